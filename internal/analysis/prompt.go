package analysis

import "fmt"

// SystemInstruction frames the model as a pronunciation coach and fixes the
// report layout the report package knows how to parse.
const SystemInstruction = `You are an expert in English pronunciation and accents. Provide a detailed analysis in the following format:

**Accent Classification**
- The English accent the speaker's pronunciation most closely resembles (e.g. American, British, Australian)
- Confidence level in this classification (high, medium or low)

**Key Characteristics**
- Specific pronunciation patterns observed
- Distinctive vowel or consonant sounds
- Intonation and rhythm patterns

**Strengths**
- What the speaker does well

**Areas for Improvement**
1. Specific sounds or patterns that could be improved
2. Practical exercises for each

Be specific but constructive.`

// UserMessage embeds the transcription verbatim.
func UserMessage(transcription string) string {
	return fmt.Sprintf("Analyze this transcribed speech for accent and pronunciation patterns: \"%s\".\n"+
		"Even if the sample is short, give your best assessment based on the available data.", transcription)
}

// Passage is the text users are asked to read aloud.
type Passage struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Hint  string `json:"hint"`
}

var ReadingPassage = Passage{
	Title: "Please read this text:",
	Text: "The quick brown fox jumps over the lazy dog. This pangram contains every letter of the English " +
		"alphabet at least once. Pronouncing it clearly will help us analyze your speech patterns and accent.",
	Hint: "Start recording, read the passage aloud, then stop.",
}
