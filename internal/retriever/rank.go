package retriever

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var spaceRe = regexp.MustCompile(`\s+`)

// trustWeights maps a chunk's trust_level to its re-ranking weight.
// Unknown and absent levels default to 1.0.
var trustWeights = map[string]float64{
	"gov":                 1.0,
	"government":          1.0,
	"implementing_agency": 0.95,
	"agency":              0.95,
	"ngo":                 0.8,
	"news":                0.6,
}

// FormatVectorLiteral renders an embedding as a deterministic textual
// vector literal suitable for a ::vector cast: 17 significant digits,
// no trailing noise.
func FormatVectorLiteral(vec []float32, dim int) (string, error) {
	if len(vec) != dim {
		return "", fmt.Errorf("embedding dim mismatch: expected %d, got %d", dim, len(vec))
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', 17, 64))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// NormalizeTextKey hashes NFKC-lowercased, whitespace-collapsed text into
// a stable dedupe key.
func NormalizeTextKey(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SimilarityFromDistance maps a metric distance (smaller is closer) into
// (0, 1]; any monotone inverse preserves ordering.
func SimilarityFromDistance(distance float64) float64 {
	if distance < 0 {
		return 0
	}
	return 1.0 / (1.0 + distance)
}

// TrustWeight reads the trust_level (or trust) out of a meta bag.
func TrustWeight(meta map[string]any) float64 {
	tl, _ := meta["trust_level"].(string)
	if tl == "" {
		tl, _ = meta["trust"].(string)
	}
	if w, ok := trustWeights[strings.ToLower(tl)]; ok {
		return w
	}
	return 1.0
}

// DedupeKeepNearest drops candidates whose normalized text was already
// seen, keeping the first (nearest) occurrence, up to maxKeep.
func DedupeKeepNearest(candidates []Candidate, maxKeep int) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	var out []Candidate
	for _, c := range candidates {
		key := NormalizeTextKey(c.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) >= maxKeep {
			break
		}
	}
	return out
}

// Rerank computes final_score = similarity * trust_weight and sorts by
// (-final_score, -similarity, chunk_id asc); ascending chunk_id is the
// deterministic tiebreaker. Returns the top finalK.
func Rerank(candidates []Candidate, finalK int) []Candidate {
	scored := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Similarity = SimilarityFromDistance(c.Distance)
		c.TrustWeight = TrustWeight(c.Meta)
		c.FinalScore = c.Similarity * c.TrustWeight
		scored[i] = c
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if len(scored) > finalK {
		scored = scored[:finalK]
	}
	return scored
}
