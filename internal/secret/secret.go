// Package secret generates lead passwords that satisfy a broker's
// character-class policy.
//
// The generator draws from math/rand. It guarantees the shape of the
// password (length and class coverage), not unpredictability, and must not
// be used where cryptographic strength is required.
package secret

import (
	"math/rand"
	"sync"
	"time"

	"github.com/checkfox/go_broker/internal/models"
)

const (
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	digitChars = "0123456789"

	// DefaultSpecialChars is used when a policy enables specials without listing them
	DefaultSpecialChars = "!@#$%^&*"

	// DefaultLength applies when a policy has no positive length
	DefaultLength = 12
)

// Generator produces passwords from an injectable random source
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator creates a generator; a nil source is seeded from the clock
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Generator{rnd: rand.New(src)}
}

var defaultGenerator = NewGenerator(nil)

// Generate produces a password with the package-level generator
func Generate(policy models.PasswordPolicy) string {
	return defaultGenerator.Generate(policy)
}

// Classes returns the character classes a policy enables, in a fixed order.
// No enabled class falls back to lower case plus digits.
func Classes(policy models.PasswordPolicy) []string {
	var classes []string
	if policy.UseUpper {
		classes = append(classes, upperChars)
	}
	if policy.UseLower {
		classes = append(classes, lowerChars)
	}
	if policy.UseDigits {
		classes = append(classes, digitChars)
	}
	if policy.UseSpecial {
		specials := policy.SpecialChars
		if specials == "" {
			specials = DefaultSpecialChars
		}
		classes = append(classes, specials)
	}
	if len(classes) == 0 {
		classes = []string{lowerChars, digitChars}
	}
	return classes
}

// Generate builds a password: one character from each enabled class while
// the length budget allows, padding from the combined set, then a shuffle.
func (g *Generator) Generate(policy models.PasswordPolicy) string {
	length := policy.Length
	if length <= 0 {
		length = DefaultLength
	}

	classes := Classes(policy)
	var all string
	for _, c := range classes {
		all += c
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]byte, 0, length)
	for _, class := range classes {
		if len(out) >= length {
			break
		}
		out = append(out, class[g.rnd.Intn(len(class))])
	}
	for len(out) < length {
		out = append(out, all[g.rnd.Intn(len(all))])
	}

	g.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return string(out)
}
