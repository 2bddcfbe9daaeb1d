// Package sanitizer replaces personally identifiable values in documents with
// fake ones while they are being migrated.
package sanitizer

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/go-faker/faker/v4"
)

// Generator produces a replacement value.
type Generator func() any

func digits(n int) string {
	var b strings.Builder
	for range n {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}

func ssn() any {
	return fmt.Sprintf("%s-%s-%s", digits(3), digits(2), digits(4))
}

func fullName() any {
	return faker.FirstName() + " " + faker.LastName()
}

func street() any {
	return faker.GetRealAddress().Address
}

// DefaultFields maps lower-cased field names to their generators.
var DefaultFields = map[string]Generator{
	"firstname":     func() any { return faker.FirstName() },
	"lastname":      func() any { return faker.LastName() },
	"fullname":      fullName,
	"name":          fullName,
	"ssn":           ssn,
	"taxid":         ssn,
	"phonenumber":   func() any { return faker.Phonenumber() },
	"mobilenumber":  func() any { return faker.E164PhoneNumber() },
	"email":         func() any { return faker.Email() },
	"workemail":     func() any { return faker.Username() + "@" + faker.DomainName() },
	"personalemail": func() any { return faker.Email() },
	"address":       street,
	"street":        street,
	"line1":         street,
	"line2":         func() any { return "Apt. " + digits(3) },
	"city":          func() any { return faker.GetRealAddress().City },
	"countyname":    func() any { return faker.GetRealAddress().City },
	"state":         func() any { return faker.GetRealAddress().State },
	"postalcode":    func() any { return faker.GetRealAddress().PostalCode },
	"zip":           func() any { return faker.GetRealAddress().PostalCode },
	"jobtitle":      func() any { return faker.Word() },
	"department":    func() any { return faker.Word() },
	"dateofbirth":   func() any { return faker.Date() },
	"managerid":     func() any { return faker.UUIDHyphenated() },
	"insurance":     func() any { return fmt.Sprintf("INS-%s-%s", digits(4), digits(4)) },
	"accountname":   func() any { return faker.Word() + " " + faker.Word() },
	"accountnumber": func() any { return faker.CCNumber() },
	"routingnumber": func() any { return digits(9) },
	"countyfips":    func() any { return digits(5) },
	"ratingarea":    func() any { return 1 + rand.IntN(5) },
	"payrate":       func() any { return float64(1500+rand.IntN(13500)) / 100 },
}

// Sanitizer rewrites matching fields of a document in place.
type Sanitizer struct {
	fields map[string]Generator
}

// New returns a Sanitizer using fields, or DefaultFields when fields is nil.
// Field names are matched case-insensitively.
func New(fields map[string]Generator) *Sanitizer {
	if fields == nil {
		fields = DefaultFields
	}
	normalized := make(map[string]Generator, len(fields))
	for k, g := range fields {
		normalized[strings.ToLower(k)] = g
	}
	return &Sanitizer{fields: normalized}
}

// Transform sanitizes doc. The top-level "id" and the value at partitionKeyPath
// are never replaced, so the document keeps its identity and placement.
// Its signature matches cosmigrate.ItemTransform.
func (s *Sanitizer) Transform(doc map[string]any, partitionKeyPath string) error {
	var pk []string
	for _, seg := range strings.Split(partitionKeyPath, "/") {
		if seg != "" {
			pk = append(pk, seg)
		}
	}
	s.walk(doc, nil, pk)
	return nil
}

func (s *Sanitizer) walk(v any, path, pk []string) {
	switch t := v.(type) {
	case map[string]any:
		for key, value := range t {
			child := append(path[:len(path):len(path)], key)
			if len(child) == 1 && key == "id" {
				continue
			}
			switch {
			case isPrefix(child, pk) && len(child) == len(pk):
				continue
			case isPrefix(child, pk):
				s.walk(value, child, pk)
				continue
			}
			if gen, ok := s.fields[strings.ToLower(key)]; ok {
				t[key] = gen()
				continue
			}
			s.walk(value, child, pk)
		}
	case []any:
		// array elements never lie on a partition key path.
		for _, item := range t {
			s.walk(item, nil, nil)
		}
	}
}

func isPrefix(path, of []string) bool {
	if len(path) > len(of) {
		return false
	}
	for i := range path {
		if path[i] != of[i] {
			return false
		}
	}
	return true
}
