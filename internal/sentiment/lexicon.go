package sentiment

import "strings"

// emotionLexicon maps Italian keywords to an emotion label and a polarity
// weight. Tier 3 never fails: any transcript maps to a score, possibly 0.
var emotionLexicon = map[string]struct {
	emotion string
	weight  float64
}{
	// joy
	"perfetto":    {"joy", 1.0},
	"ottimo":      {"joy", 1.0},
	"grazie":      {"joy", 0.6},
	"contento":    {"joy", 0.8},
	"soddisfatto": {"joy", 0.9},
	"eccellente":  {"joy", 1.0},
	"bene":        {"joy", 0.5},
	"fantastico":  {"joy", 1.0},

	// surprise
	"incredibile": {"surprise", 0.3},
	"davvero":     {"surprise", 0.2},
	"wow":         {"surprise", 0.4},

	// anger
	"inaccettabile": {"anger", -1.0},
	"vergogna":      {"anger", -1.0},
	"arrabbiato":    {"anger", -0.9},
	"furioso":       {"anger", -1.0},
	"scandaloso":    {"anger", -0.9},
	"incompetenti":  {"anger", -0.9},
	"basta":         {"anger", -0.6},
	"truffa":        {"anger", -1.0},

	// fear
	"preoccupato": {"fear", -0.6},
	"paura":       {"fear", -0.7},
	"rischio":     {"fear", -0.4},
	"urgente":     {"fear", -0.3},

	// sadness
	"deluso":      {"sadness", -0.8},
	"dispiaciuto": {"sadness", -0.5},
	"peggio":      {"sadness", -0.6},
	"problema":    {"sadness", -0.4},
	"ritardo":     {"sadness", -0.5},
	"danneggiato": {"sadness", -0.7},
	"perso":       {"sadness", -0.7},
}

// legalThreatTerms trigger escalation on any tier and weigh as strong anger
// in the keyword tier.
var legalThreatTerms = []string{
	"avvocato",
	"denuncia",
	"denunciare",
	"diffida",
	"tribunale",
	"vie legali",
	"class action",
	"carabinieri",
}

// ContainsLegalThreat reports whether the transcript mentions legal action
func ContainsLegalThreat(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, term := range legalThreatTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// managerRequestPhrases are explicit requests to speak to a manager. Any one
// of them escalates the call regardless of score.
var managerRequestPhrases = []string{
	"voglio parlare con un responsabile",
	"voglio parlare con il responsabile",
	"passami il responsabile",
	"mi passi il responsabile",
	"voglio parlare con il direttore",
	"parlare con un supervisore",
	"chiamatemi il responsabile",
}

// RequestsManager reports whether the caller asked for a manager
func RequestsManager(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, phrase := range managerRequestPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// keywordResult is the outcome of the lexicon tier
type keywordResult struct {
	Score      float64
	Emotions   map[string]float64
	Dominant   string
	Confidence float64
	Matches    int
}

// analyzeKeywords scores a transcript with the lexicon alone. Pure function
// of its input; no I/O, no failure mode.
func analyzeKeywords(transcript string) keywordResult {
	lower := strings.ToLower(transcript)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || r == 'à' || r == 'è' || r == 'é' || r == 'ì' || r == 'ò' || r == 'ù')
	})

	emotions := map[string]float64{}
	var sum, magnitude float64
	matches := 0

	for _, w := range words {
		entry, ok := emotionLexicon[w]
		if !ok {
			continue
		}
		matches++
		sum += entry.weight
		if entry.weight < 0 {
			magnitude += -entry.weight
		} else {
			magnitude += entry.weight
		}
		intensity := entry.weight
		if intensity < 0 {
			intensity = -intensity
		}
		if intensity > emotions[entry.emotion] {
			emotions[entry.emotion] = intensity
		}
	}

	// Legal threats count as maximal anger even when phrased politely
	if ContainsLegalThreat(lower) {
		matches++
		sum += -1.0
		magnitude += 1.0
		emotions["anger"] = 1.0
	}

	var score float64
	if magnitude > 0 {
		score = sum / magnitude
	}

	dominant := "neutral"
	best := 0.0
	for label, intensity := range emotions {
		if intensity > best {
			best = intensity
			dominant = label
		}
	}

	// Lexicon matching is coarse; confidence grows slowly with match count
	confidence := 0.3 + 0.05*float64(matches)
	if confidence > 0.6 {
		confidence = 0.6
	}

	return keywordResult{
		Score:      score,
		Emotions:   emotions,
		Dominant:   dominant,
		Confidence: confidence,
		Matches:    matches,
	}
}
