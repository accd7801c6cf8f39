package cacao

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	recapPrefix   = "urn:recap:"
	requestAction = "request/"

	recapStatement = "I further authorize the stated URI to perform the following actions on my behalf:"
)

// ReCap is an EIP-5573 capability object: resource -> ability -> caveats.
type ReCap struct {
	Att map[string]map[string][]map[string]any `json:"att"`
}

// NewRequestReCap grants methods on chains for resource, e.g. "eip155".
func NewRequestReCap(resource string, methods, chains []string) ReCap {
	abilities := make(map[string][]map[string]any, len(methods))
	for _, m := range methods {
		abilities[requestAction+m] = []map[string]any{{"chains": chains}}
	}
	return ReCap{Att: map[string]map[string][]map[string]any{resource: abilities}}
}

func EncodeReCap(r ReCap) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return recapPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeReCap(urn string) (ReCap, error) {
	enc, ok := strings.CutPrefix(urn, recapPrefix)
	if !ok {
		return ReCap{}, fmt.Errorf("cacao: not a recap: %q", urn)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
	if err != nil {
		return ReCap{}, fmt.Errorf("cacao: recap encoding: %w", err)
	}
	var r ReCap
	if err := json.Unmarshal(raw, &r); err != nil {
		return ReCap{}, fmt.Errorf("cacao: recap json: %w", err)
	}
	if len(r.Att) == 0 {
		return ReCap{}, fmt.Errorf("cacao: recap without attenuations")
	}
	return r, nil
}

// FindReCap returns the last recap of resources; by convention it is the
// one the statement describes.
func FindReCap(resources []string) (string, bool) {
	for i := len(resources) - 1; i >= 0; i-- {
		if strings.HasPrefix(resources[i], recapPrefix) {
			return resources[i], true
		}
	}
	return "", false
}

// WithReCap returns resources with urn replacing any recap already present.
func WithReCap(resources []string, urn string) []string {
	out := make([]string, 0, len(resources)+1)
	for _, r := range resources {
		if !strings.HasPrefix(r, recapPrefix) {
			out = append(out, r)
		}
	}
	return append(out, urn)
}

// Methods lists the request/<method> abilities, without the prefix.
func (r ReCap) Methods() []string {
	seen := make(map[string]bool)
	var out []string
	for _, abilities := range r.Att {
		for ability := range abilities {
			if m, ok := strings.CutPrefix(ability, requestAction); ok && !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Chains lists the chains of the caveats of every ability.
func (r ReCap) Chains() []string {
	seen := make(map[string]bool)
	var out []string
	for _, abilities := range r.Att {
		for _, caveats := range abilities {
			for _, c := range caveats {
				list, _ := c["chains"].([]any)
				for _, v := range list {
					if s, ok := v.(string); ok && !seen[s] {
						seen[s] = true
						out = append(out, s)
					}
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// FormatStatement appends the human readable description of r to statement.
func (r ReCap) FormatStatement(statement string) string {
	resources := make([]string, 0, len(r.Att))
	for res := range r.Att {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	var parts []string
	n := 0
	for _, res := range resources {
		byKind := make(map[string][]string)
		for ability := range r.Att[res] {
			kind, action, _ := strings.Cut(ability, "/")
			byKind[kind] = append(byKind[kind], action)
		}
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			actions := byKind[kind]
			sort.Strings(actions)
			quoted := make([]string, len(actions))
			for i, a := range actions {
				quoted[i] = "'" + a + "'"
			}
			n++
			parts = append(parts, fmt.Sprintf("(%d) '%s': %s for '%s'.", n, kind, strings.Join(quoted, ", "), res))
		}
	}

	recap := recapStatement + " " + strings.Join(parts, " ")
	if strings.TrimSpace(statement) == "" {
		return recap
	}
	return statement + " " + recap
}
