// Package convert holds the conversion registry and executes the selected
// conversion for a request.
package convert

import (
	"sort"
	"strings"

	"github.com/badgermind/scenedav/internal/mediatype"
)

// Action produces one representation of a stored resource. The set of
// implementations is closed: Passthrough, ExternalProcess and
// InternalHandler.
type Action interface {
	kind() string
}

// Passthrough streams the stored bytes unchanged under the negotiated
// content type.
type Passthrough struct{}

// ExternalProcess runs Command with Args followed by the resource path and
// streams its standard output.
type ExternalProcess struct {
	Command string
	Args    []string
}

// InternalHandler delegates to a named Renderer.
type InternalHandler struct {
	Name HandlerName
}

func (Passthrough) kind() string     { return "passthrough" }
func (ExternalProcess) kind() string { return "external" }
func (InternalHandler) kind() string { return "internal" }

// Kind returns a short label for a, used in logs and metrics.
func Kind(a Action) string {
	if a == nil {
		return "none"
	}
	return a.kind()
}

// HandlerName identifies an internal renderer.
type HandlerName string

const (
	InstanceTable  HandlerName = "instance-table"
	InstanceScript HandlerName = "instance-script"
	PlainText      HandlerName = "plaintext"
	SceneViewer    HandlerName = "scene-viewer"
)

// Rule maps a (source, target) media-type pair to an action.
type Rule struct {
	Source string
	Target string
	Action Action
}

type ruleKey struct {
	source string
	target string
}

// Registry is an immutable table of conversion rules. Lookups are exact
// (case-insensitive) string matches; no wildcards.
type Registry struct {
	rules   map[ruleKey]Action
	targets map[string][]string
}

// NewRegistry builds a registry from rules. A later rule for the same pair
// replaces an earlier one.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{
		rules:   make(map[ruleKey]Action, len(rules)),
		targets: make(map[string][]string),
	}
	for _, rule := range rules {
		k := ruleKey{normalize(rule.Source), normalize(rule.Target)}
		if _, dup := r.rules[k]; !dup {
			r.targets[k.source] = append(r.targets[k.source], k.target)
		}
		r.rules[k] = copyAction(rule.Action)
	}
	for _, t := range r.targets {
		sort.Strings(t)
	}
	return r
}

// Lookup returns the action converting source into target.
func (r *Registry) Lookup(source, target string) (Action, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.rules[ruleKey{normalize(source), normalize(target)}]
	return a, ok
}

// Targets lists the media types source can be converted into, sorted.
func (r *Registry) Targets(source string) []string {
	if r == nil {
		return nil
	}
	t := r.targets[normalize(source)]
	out := make([]string, len(t))
	copy(out, t)
	return out
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

func normalize(mediaType string) string {
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func copyAction(a Action) Action {
	if ext, ok := a.(ExternalProcess); ok {
		args := make([]string, len(ext.Args))
		copy(args, ext.Args)
		return ExternalProcess{Command: ext.Command, Args: args}
	}
	return a
}

// Converters names the external converter binaries.
type Converters struct {
	FBXConvert    string
	ScriptConvert string
}

// DefaultRules returns the conversion table served by scenedav.
func DefaultRules(c Converters) []Rule {
	return []Rule{
		{mediatype.FBX, mediatype.Model, ExternalProcess{Command: c.FBXConvert}},
		{mediatype.FBX, mediatype.JSON, ExternalProcess{Command: c.FBXConvert, Args: []string{"--format=json"}}},
		{mediatype.FBX, mediatype.HTML, InternalHandler{Name: SceneViewer}},

		{mediatype.Scene, mediatype.SceneBinary, ExternalProcess{Command: c.ScriptConvert}},
		{mediatype.Scene, mediatype.HTML, ExternalProcess{Command: c.ScriptConvert, Args: []string{"--format=html"}}},

		{mediatype.InstanceList, mediatype.HTML, InternalHandler{Name: InstanceTable}},
		{mediatype.InstanceList, mediatype.SceneBinary, InternalHandler{Name: InstanceScript}},
		{mediatype.InstanceList, mediatype.SceneBinary64, InternalHandler{Name: InstanceScript}},
		{mediatype.InstanceList, mediatype.PlainText, InternalHandler{Name: PlainText}},

		// Synonyms: same bytes, different label.
		{mediatype.MP4, mediatype.VideoMP4, Passthrough{}},
		{mediatype.WebM, mediatype.VideoWebM, Passthrough{}},
	}
}
