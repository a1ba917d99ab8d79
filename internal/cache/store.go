package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adlens/adlens/internal/guard"
)

// Store is the media cache: blob files under dir/blobs sharded by key
// prefix, indexed by the media table.
type Store struct {
	logger *slog.Logger
	db     *sql.DB
	dir    string
	locks  *keyedLocks

	now func() time.Time
}

// NewStore creates the blob directory if needed and returns a store over db.
func NewStore(log *slog.Logger, database *sql.DB, dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Store{
		logger: log.With(slog.String("service", "cache")),
		db:     database,
		dir:    dir,
		locks:  newKeyedLocks(),
		now:    time.Now,
	}, nil
}

// LockKey serializes writers for a content key. Callers hold the key across
// download-then-put and must call UnlockKey when done.
func (s *Store) LockKey(key string) { s.locks.lock(key) }

// UnlockKey releases a key taken by LockKey.
func (s *Store) UnlockKey(key string) { s.locks.unlock(key) }

func storageErr(msg string, err error) error {
	return &guard.Error{Kind: guard.KindStorage, Message: msg, Err: err}
}

const recordColumns = `content_key, source_url, media_kind, content_type, file_path,
	size_bytes, stored_at, last_access, brands, platform_ids, ad_ids,
	analysis_json, analysis_model, analyzed_at, dominant_colors, people_terms`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r                        Record
		storedAt, lastAccess     int64
		brands, platforms, adIDs string
		analysis, model          sql.NullString
		analyzedAt               sql.NullInt64
		colors, people           sql.NullString
	)
	err := row.Scan(&r.ContentKey, &r.SourceURL, &r.Kind, &r.ContentType, &r.FilePath,
		&r.SizeBytes, &storedAt, &lastAccess, &brands, &platforms, &adIDs,
		&analysis, &model, &analyzedAt, &colors, &people)
	if err != nil {
		return Record{}, err
	}
	r.StoredAt = time.Unix(storedAt, 0).UTC()
	r.LastAccess = time.Unix(lastAccess, 0).UTC()
	for _, col := range []struct {
		raw string
		dst *[]string
	}{{brands, &r.Brands}, {platforms, &r.PlatformIDs}, {adIDs, &r.AdIDs}} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return Record{}, fmt.Errorf("failed to decode attribution column: %w", err)
		}
	}
	if analysis.Valid && analysis.String != "" {
		r.Analysis = json.RawMessage(analysis.String)
	}
	r.AnalysisModel = model.String
	if analyzedAt.Valid {
		r.AnalyzedAt = time.Unix(analyzedAt.Int64, 0).UTC()
	}
	r.DominantColors = colors.String
	r.PeopleTerms = people.String
	return r, nil
}

// Get returns the record for key and whether it exists, bumping last_access.
// A record holding neither raw media nor analysis is purged and reported as
// a miss.
func (s *Store) Get(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media WHERE content_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storageErr("failed to read media record", err)
	}
	if !rec.HasRaw() && !rec.HasAnalysis() {
		s.logger.Warn("purging invalid cache record", slog.String("content_key", key))
		if _, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE content_key = ?`, key); err != nil {
			return Record{}, false, storageErr("failed to purge invalid record", err)
		}
		return Record{}, false, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE media SET last_access = ? WHERE content_key = ?`, s.now().Unix(), key); err != nil {
		return Record{}, false, storageErr("failed to touch media record", err)
	}
	return rec, true, nil
}

// GetBatch returns the subset of keys present in the cache, bumping
// last_access for the hits. Invalid records are skipped, not purged.
func (s *Store) GetBatch(ctx context.Context, keys []string) (map[string]Record, error) {
	out := make(map[string]Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM media WHERE content_key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, storageErr("failed to read media records", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("failed to scan media record", err)
		}
		if !rec.HasRaw() && !rec.HasAnalysis() {
			continue
		}
		out[rec.ContentKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate media records", err)
	}
	if len(out) > 0 {
		hit := make([]any, 0, len(out)+1)
		hit = append(hit, s.now().Unix())
		ph := make([]string, 0, len(out))
		for k := range out {
			hit = append(hit, k)
			ph = append(ph, "?")
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE media SET last_access = ? WHERE content_key IN (`+strings.Join(ph, ",")+`)`, hit...); err != nil {
			return nil, storageErr("failed to touch media records", err)
		}
	}
	return out, nil
}

// PutInput carries a downloaded media asset plus its attribution.
type PutInput struct {
	SourceURL   string
	Kind        Kind
	ContentType string
	Data        []byte
	Brand       string
	PlatformID  string
	AdID        string
}

// Put writes the media bytes to the blob store and upserts the index row.
// Existing analysis results and attribution sets survive re-puts; the new
// attribution values are unioned in.
func (s *Store) Put(ctx context.Context, in PutInput) (Record, error) {
	key := ContentKey(in.SourceURL)
	ext := extensionFromContentType(in.ContentType, in.Kind)
	rel := filepath.Join("blobs", key[:2], key+ext)
	abs := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Record{}, storageErr("failed to create blob shard dir", err)
	}
	if err := os.WriteFile(abs, in.Data, 0o644); err != nil {
		return Record{}, storageErr("failed to write blob", err)
	}

	prev, found, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	rec := prev
	if !found {
		rec = Record{ContentKey: key, StoredAt: s.now().UTC()}
	}
	rec.SourceURL = in.SourceURL
	rec.Kind = in.Kind
	rec.ContentType = in.ContentType
	rec.FilePath = rel
	rec.SizeBytes = int64(len(in.Data))
	rec.LastAccess = s.now().UTC()
	rec.Brands = mergeSet(rec.Brands, []string{in.Brand})
	rec.PlatformIDs = mergeSet(rec.PlatformIDs, []string{in.PlatformID})
	rec.AdIDs = mergeSet(rec.AdIDs, []string{in.AdID})

	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) upsert(ctx context.Context, r Record) error {
	brands, _ := json.Marshal(r.Brands)
	platforms, _ := json.Marshal(r.PlatformIDs)
	adIDs, _ := json.Marshal(r.AdIDs)
	var analyzedAt any
	if !r.AnalyzedAt.IsZero() {
		analyzedAt = r.AnalyzedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_key) DO UPDATE SET
			source_url = excluded.source_url,
			media_kind = excluded.media_kind,
			content_type = excluded.content_type,
			file_path = excluded.file_path,
			size_bytes = excluded.size_bytes,
			last_access = excluded.last_access,
			brands = excluded.brands,
			platform_ids = excluded.platform_ids,
			ad_ids = excluded.ad_ids,
			analysis_json = excluded.analysis_json,
			analysis_model = excluded.analysis_model,
			analyzed_at = excluded.analyzed_at,
			dominant_colors = excluded.dominant_colors,
			people_terms = excluded.people_terms`,
		r.ContentKey, r.SourceURL, string(r.Kind), r.ContentType, r.FilePath,
		r.SizeBytes, r.StoredAt.Unix(), r.LastAccess.Unix(),
		string(brands), string(platforms), string(adIDs),
		nullString(string(r.Analysis)), nullString(r.AnalysisModel), analyzedAt,
		nullString(r.DominantColors), nullString(r.PeopleTerms))
	if err != nil {
		return storageErr("failed to upsert media record", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpdateAnalysis stores an analysis result for an existing record. An
// already-analyzed record is left untouched unless force is set, so a cached
// result is never clobbered by a racing analyzer.
func (s *Store) UpdateAnalysis(ctx context.Context, key string, analysis json.RawMessage, model string, force bool) (Record, error) {
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, &guard.Error{Kind: guard.KindNotFound, Message: "media not cached: " + key}
	}
	if rec.HasAnalysis() && !force {
		return rec, nil
	}
	rec.Analysis = analysis
	rec.AnalysisModel = model
	rec.AnalyzedAt = s.now().UTC()
	rec.DominantColors, rec.PeopleTerms = deriveLookups(analysis)
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// deriveLookups pulls the search quick-lookup terms out of an analysis
// payload. Unknown shapes yield empty terms, never an error.
func deriveLookups(analysis json.RawMessage) (colors, people string) {
	var doc struct {
		Colors struct {
			DominantColors []string `json:"dominant_colors"`
		} `json:"colors"`
		PeopleDescription string `json:"people_description"`
		RawAnalysis       string `json:"raw_analysis"`
	}
	if err := json.Unmarshal(analysis, &doc); err != nil {
		return "", ""
	}
	colors = strings.ToLower(strings.Join(doc.Colors.DominantColors, ","))
	people = strings.ToLower(doc.PeopleDescription)
	if people == "" && doc.RawAnalysis != "" {
		// Raw free-text analyses are searched wholesale.
		people = strings.ToLower(doc.RawAnalysis)
	}
	return colors, people
}

// ReadBlob returns the raw bytes for a cached record.
func (s *Store) ReadBlob(rec Record) ([]byte, error) {
	if !rec.HasRaw() {
		return nil, &guard.Error{Kind: guard.KindNotFound, Message: "raw media evicted: " + rec.ContentKey}
	}
	data, err := os.ReadFile(filepath.Join(s.dir, rec.FilePath))
	if err != nil {
		return nil, storageErr("failed to read blob", err)
	}
	return data, nil
}

// Filter selects cached media for Search. Empty fields match everything.
type Filter struct {
	Brand      string
	Kind       Kind
	ColorTerm  string
	PeopleTerm string
	Limit      int
}

// Search lists cached records matching the filter, most recently stored
// first.
func (s *Store) Search(ctx context.Context, f Filter) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM media WHERE 1=1`
	var args []any
	if f.Brand != "" {
		q += ` AND brands LIKE ?`
		args = append(args, "%"+strings.ToLower(strings.TrimSpace(f.Brand))+"%")
	}
	if f.Kind != "" {
		q += ` AND media_kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.ColorTerm != "" {
		q += ` AND dominant_colors LIKE ?`
		args = append(args, "%"+strings.ToLower(f.ColorTerm)+"%")
	}
	if f.PeopleTerm != "" {
		q += ` AND people_terms LIKE ?`
		args = append(args, "%"+strings.ToLower(f.PeopleTerm)+"%")
	}
	q += ` ORDER BY stored_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("failed to search media", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("failed to scan media record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate media records", err)
	}
	return out, nil
}

// Stats summarizes the cache contents.
type Stats struct {
	TotalRecords  int64 `json:"total_records"`
	Images        int64 `json:"images"`
	Videos        int64 `json:"videos"`
	Analyzed      int64 `json:"analyzed"`
	RawEvicted    int64 `json:"raw_evicted"`
	TotalRawBytes int64 `json:"total_raw_bytes"`

	// Zero when the cache is empty.
	OldestStoredAt time.Time `json:"oldest_stored_at,omitzero"`
	NewestStoredAt time.Time `json:"newest_stored_at,omitzero"`
}

// Stats reports counts, the total on-disk size of raw media, and the age
// range of the cached records.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(media_kind = 'image'), 0),
			COALESCE(SUM(media_kind = 'video'), 0),
			COALESCE(SUM(analysis_json IS NOT NULL), 0),
			COALESCE(SUM(file_path = ''), 0),
			COALESCE(SUM(size_bytes), 0),
			MIN(stored_at),
			MAX(stored_at)
		FROM media`)
	if err := row.Scan(&st.TotalRecords, &st.Images, &st.Videos, &st.Analyzed,
		&st.RawEvicted, &st.TotalRawBytes, &oldest, &newest); err != nil {
		return Stats{}, storageErr("failed to read cache stats", err)
	}
	if oldest.Valid {
		st.OldestStoredAt = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		st.NewestStoredAt = time.Unix(newest.Int64, 0).UTC()
	}
	return st, nil
}

// CleanupResult reports what a Cleanup pass removed.
type CleanupResult struct {
	RecordsDeleted int64 `json:"records_deleted"`
	RawEvicted     int64 `json:"raw_evicted"`
	BytesFreed     int64 `json:"bytes_freed"`
}

// Cleanup enforces the retention policy: records older than maxAgeDays are
// deleted outright; if raw media still exceeds maxTotalBytes, raw files are
// evicted oldest-access-first. Analyzed records keep their analysis rows;
// unanalyzed records would become invalid without their raw file, so they are
// deleted instead. Keys with a writer in flight are skipped.
func (s *Store) Cleanup(ctx context.Context, maxAgeDays int, maxTotalBytes int64) (CleanupResult, error) {
	var res CleanupResult

	if maxAgeDays > 0 {
		cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).Unix()
		rows, err := s.db.QueryContext(ctx,
			`SELECT content_key, file_path, size_bytes, analysis_json IS NOT NULL
			FROM media WHERE stored_at < ?`, cutoff)
		if err != nil {
			return res, storageErr("failed to list expired media", err)
		}
		expired, err := collectCandidates(rows)
		if err != nil {
			return res, err
		}
		for _, c := range expired {
			if s.locks.busy(c.key) {
				continue
			}
			s.removeBlob(c.path)
			if _, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE content_key = ?`, c.key); err != nil {
				return res, storageErr("failed to delete expired record", err)
			}
			res.RecordsDeleted++
			res.BytesFreed += c.size
		}
	}

	if maxTotalBytes > 0 {
		var total int64
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(size_bytes), 0) FROM media WHERE file_path != ''`)
		if err := row.Scan(&total); err != nil {
			return res, storageErr("failed to read cache size", err)
		}
		if total > maxTotalBytes {
			rows, err := s.db.QueryContext(ctx, `
				SELECT content_key, file_path, size_bytes, analysis_json IS NOT NULL
				FROM media WHERE file_path != '' ORDER BY last_access ASC`)
			if err != nil {
				return res, storageErr("failed to list eviction candidates", err)
			}
			candidates, err := collectCandidates(rows)
			if err != nil {
				return res, err
			}
			for _, c := range candidates {
				if total <= maxTotalBytes {
					break
				}
				if s.locks.busy(c.key) {
					continue
				}
				s.removeBlob(c.path)
				if c.analyzed {
					if _, err := s.db.ExecContext(ctx, `
						UPDATE media SET file_path = '', size_bytes = 0 WHERE content_key = ?`, c.key); err != nil {
						return res, storageErr("failed to evict raw media", err)
					}
					res.RawEvicted++
				} else {
					// No analysis to keep: a raw-less row would be invalid.
					if _, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE content_key = ?`, c.key); err != nil {
						return res, storageErr("failed to delete unanalyzed media", err)
					}
					res.RecordsDeleted++
				}
				total -= c.size
				res.BytesFreed += c.size
			}
		}
	}

	if res.RecordsDeleted > 0 || res.RawEvicted > 0 {
		s.logger.Info("cache cleanup finished",
			slog.Int64("records_deleted", res.RecordsDeleted),
			slog.Int64("raw_evicted", res.RawEvicted),
			slog.Int64("bytes_freed", res.BytesFreed))
	}
	return res, nil
}

type evictCandidate struct {
	key      string
	path     string
	size     int64
	analyzed bool
}

func collectCandidates(rows *sql.Rows) ([]evictCandidate, error) {
	defer rows.Close()
	var out []evictCandidate
	for rows.Next() {
		var c evictCandidate
		if err := rows.Scan(&c.key, &c.path, &c.size, &c.analyzed); err != nil {
			return nil, storageErr("failed to scan eviction candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate eviction candidates", err)
	}
	return out, nil
}

func (s *Store) removeBlob(rel string) {
	if rel == "" {
		return
	}
	if err := os.Remove(filepath.Join(s.dir, rel)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove blob", slog.String("path", rel), slog.String("error", err.Error()))
	}
}
