package analysis

import (
	"fmt"
	"strings"
)

// imageAnalysisInstructions is returned alongside cached image bytes so the
// calling assistant can run the visual analysis itself. Images never spend
// model credits server-side.
const imageAnalysisInstructions = `
Analyze this Facebook ad image and extract ALL factual information.

**Overall visual description:**
- Full description of what the image shows

**Text elements:**
- Identify and transcribe ALL text present in the image
- Classify each text element as one of:
  * "Hook headline" (designed to grab attention)
  * "Value proposition" (explains the benefit to the viewer)
  * "Call to action (CTA)" (tells the viewer what to do next)
  * "Referral program" (encourages the viewer to share the product)
  * "Disclaimer" (legal text, terms and conditions)
  * "Brand name" (company or product names)
  * "Other" (any remaining text)

**People description:**
- For every visible person: age range, gender, appearance, clothing, pose, facial expression, setting

**Brand elements:**
- Logos present (describe and give position)
- Product shots (describe which products are shown)
- Brand colors or visual identity elements

**Composition and layout:**
- Layout structure (grid, asymmetric, centered, etc.)
- Visual hierarchy (what draws attention first, second, third)
- Element positioning (top-left, center, bottom-right, etc.)
- Text overlay vs separate text areas
- Composition techniques used (rule of thirds, leading lines, symmetry, etc.)

**Colors and visual style:**
- List ALL dominant colors (specific color names or hex codes where possible)
- Background color/type and style
- Photography style (professional, casual, studio, lifestyle, etc.)
- Any filters, effects or stylistic treatment

**Technical and audience indicators:**
- Image format and aspect ratio
- Text readability and contrast
- Overall image quality
- Visual cues about the target audience (age, lifestyle, interests, demographics)
- Setting/environment details

**Message and theme:**
- What story or message the visual conveys
- Emotional tone and mood
- Marketing strategy indicators

Extract ALL of this information comprehensively.
`

// videoAnalysisPrompt drives a structured scene-by-scene breakdown.
const videoAnalysisPrompt = `
Analyze this Facebook ad video and provide a detailed structured analysis in the following format.

**SCENE ANALYSIS:**
Break the video down by scene. For each identified scene, provide:

Scene [number]: [short scene title]
1. Visual description:
   - Detailed description of the key visual elements in the scene
   - Appearance and demographics of the people shown (age, gender, notable characteristics)
   - Specific camera angles and movements

2. Text elements:
   - Document ALL text elements that appear in the scene
   - Classify each text element as one of:
     * "Text hook" (introductory text designed to grab attention)
     * "CTA (mid-roll)" (call to action in the middle of the video)
     * "CTA (end)" (final call to action)

3. Brand elements:
   - Note any visible brand logos or product placements
   - Give short descriptions and the specific time within the scene

4. Audio analysis:
   - Transcription or detailed summary of any voice-over
   - Describe voice characteristics: tone, pitch, conveyed emotion
   - Identify and briefly describe notable sound effects

5. Music analysis:
   - Music present: [yes/no]
   - If yes: short description or identification of the music style/track

6. Scene transition:
   - Describe the style and pace of the transition to the next scene (hard cuts, fades, dynamic transitions, etc.)

**OVERALL VIDEO ANALYSIS:**

**Ad format:**
- Identify the specific ad format (single video, carousel, story, etc.)
- Aspect ratio and orientation
- Duration and pacing style

**Notable camera angles:**
- List all significant camera angles used in the video
- Comment on their effectiveness and purpose

**Overall message:**
- Primary message or value proposition
- Secondary messages or supporting points
- Target audience indicators

**Hook analysis:**
- Primary hook type: Text, Visual or Voice-over
- Description of the hook and its placement
- Assessment of the attention-grabbing elements

Provide detailed, factual observations that help understand the video's marketing strategy and effectiveness. Focus on specific, actionable insights.
`

// batchContext labels one video inside a combined analysis call.
type batchContext struct {
	Brand string
	AdID  string
}

// buildBatchPrompt shares one instruction block across n videos and labels
// each expected answer with a "VIDEO n:" marker the demuxer splits on.
func buildBatchPrompt(contexts []batchContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze the following %d Facebook ad videos. For each video, provide analysis following this format:\n", len(contexts))
	sb.WriteString(videoAnalysisPrompt)
	sb.WriteString("\nAnalyze each video separately and clearly label each analysis as \"VIDEO 1:\", \"VIDEO 2:\", etc.\n\n")
	for i, c := range contexts {
		fmt.Fprintf(&sb, "VIDEO %d", i+1)
		if c.Brand != "" {
			fmt.Fprintf(&sb, " (Brand: %s)", c.Brand)
		}
		if c.AdID != "" {
			fmt.Fprintf(&sb, " (Ad ID: %s)", c.AdID)
		}
		sb.WriteString(":\n")
	}
	return sb.String()
}
