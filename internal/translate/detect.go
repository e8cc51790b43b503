package translate

import (
	"github.com/vigia-ai/vigia/internal/textnorm"
)

// Undetermined is reported when no language profile clearly wins.
const Undetermined = "und"

// Detection is the outcome of language identification.
type Detection struct {
	Lang       string
	Confidence float64
}

// Stopword profiles over folded tokens. Words shared by several languages
// ("a", "no", "me", "de") are left out so they never tip the balance.
var profiles = map[string]map[string]struct{}{
	"es": set("el", "la", "los", "las", "que", "y", "en", "un", "una", "unos", "por", "con", "para",
		"es", "fue", "pero", "muy", "sin", "porque", "cuando", "esta", "este", "estoy", "hoy", "mi",
		"mis", "yo", "todo", "nada", "siento", "quiero", "tengo", "puedo", "hay", "ya", "mas",
		"tambien", "del", "al", "su", "lo", "nadie", "nunca", "vida", "dia", "hable", "familia", "creo"),
	"en": set("the", "and", "to", "of", "i", "in", "is", "it", "you", "that", "was", "for", "on",
		"are", "with", "they", "be", "at", "have", "this", "from", "or", "had", "by", "not", "but",
		"what", "all", "were", "we", "when", "my", "myself", "am", "dont", "cant", "feel", "want",
		"just", "im", "today", "anymore", "nobody", "never", "life", "day", "family", "think"),
	"pt": set("o", "os", "um", "uma", "do", "da", "dos", "das", "em", "nao", "na", "nas", "ao",
		"ele", "ela", "voce", "eu", "meu", "minha", "estou", "sinto", "quero", "tenho", "muito",
		"isso", "essa", "esse", "ja", "tambem", "hoje", "nada", "ninguem", "nunca", "vida"),
	"fr": set("le", "les", "et", "je", "est", "un", "une", "pas", "pour", "dans", "avec", "ce",
		"qui", "sur", "mais", "moi", "mon", "ma", "mes", "suis", "tout", "rien", "veux", "sens",
		"aujourd", "hui", "jamais", "personne", "vie", "jour", "famille", "au", "du", "des"),
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Detect identifies the language of text using stopword frequency.
// Ties and texts without any profile hit are Undetermined.
func Detect(text string) Detection {
	tokens := textnorm.Tokens(text)
	if len(tokens) == 0 {
		return Detection{Lang: Undetermined}
	}

	hits := make(map[string]int, len(profiles))
	for _, tok := range tokens {
		for lang, words := range profiles {
			if _, ok := words[tok]; ok {
				hits[lang]++
			}
		}
	}

	best, bestHits, tie := Undetermined, 0, false
	for lang, n := range hits {
		switch {
		case n > bestHits:
			best, bestHits, tie = lang, n, false
		case n == bestHits:
			tie = true
		}
	}
	if bestHits == 0 || tie {
		return Detection{Lang: Undetermined}
	}
	return Detection{
		Lang:       best,
		Confidence: float64(bestHits) / float64(len(tokens)),
	}
}
