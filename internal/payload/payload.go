// Package payload holds the script injected into remote surfaces and the expressions
// used to call it. The entry points exposed on window.__promptpilot are the contract
// between the Go side and the remote surface; the report types below mirror what
// those entry points return.
package payload

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

//go:embed payload.js
var template string

//go:embed standalone.js
var standalone string

const (
	// ConfigPlaceholder is the string replaced in the payload template with the JSON options.
	ConfigPlaceholder = "/*{{PROMPTPILOT_CONFIG}}*/"
	// Global is the window property the payload installs itself under.
	Global = "__promptpilot"
	// Version identifies the payload contract; a surface reporting another version is reinjected.
	Version = "pp-3"
)

// Options are serialized into the payload and the standalone script.
type Options struct {
	Version        string   `json:"version"`
	PanelSelectors []string `json:"panelSelectors"`
	DetectKeywords []string `json:"detectKeywords"`
	PollMs         int      `json:"pollMs"`
	SettleMs       int      `json:"settleMs"`
	SubmitDelayMs  int      `json:"submitDelayMs"`
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = Version
	}
	if o.PollMs <= 0 {
		o.PollMs = 750
	}
	if o.SettleMs <= 0 {
		o.SettleMs = 600
	}
	if o.SubmitDelayMs <= 0 {
		o.SubmitDelayMs = 50
	}
	if o.PanelSelectors == nil {
		o.PanelSelectors = []string{}
	}
	if o.DetectKeywords == nil {
		o.DetectKeywords = []string{}
	}
	return o
}

// Build renders the injectable payload for opts and checks that it compiles.
func Build(opts Options) (string, error) {
	return render(template, opts.withDefaults())
}

func render(tmpl string, opts Options) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("payload template is empty")
	}
	if !strings.Contains(tmpl, ConfigPlaceholder) {
		return "", fmt.Errorf("payload template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	configJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload options: %w", err)
	}

	script := strings.Replace(tmpl, ConfigPlaceholder, string(configJSON), 1)
	if err := Validate(script); err != nil {
		return "", err
	}
	return script, nil
}

// Validate parses script without running it. The remote surface reports syntax
// errors only as an opaque exception, so they are caught here instead.
func Validate(script string) error {
	if _, err := goja.Compile("payload.js", script, false); err != nil {
		return fmt.Errorf("payload does not compile: %w", err)
	}
	return nil
}

// -- Entry point expressions --

// HasHelperExpression evaluates to true when the send helper of the current version is present.
func HasHelperExpression() string {
	return fmt.Sprintf(`(typeof window.%[1]s === "object" && window.%[1]s !== null && window.%[1]s.version === %[2]s && typeof window.%[1]s.send === "function")`,
		Global, quote(Version))
}

// StartExpression starts the in-surface polling loop.
func StartExpression(opts Options) string {
	o := opts.withDefaults()
	overrides, _ := json.Marshal(map[string]int{"pollMs": o.PollMs, "settleMs": o.SettleMs})
	return fmt.Sprintf(`(window.%[1]s ? window.%[1]s.start(%[2]s) : false)`, Global, overrides)
}

// StopExpression stops the in-surface polling loop.
func StopExpression() string {
	return fmt.Sprintf(`(window.%[1]s ? window.%[1]s.stop() : false)`, Global)
}

// ProbeExpression calls the injected probe; it yields null when the helper is absent.
func ProbeExpression() string {
	return fmt.Sprintf(`(window.%[1]s ? window.%[1]s.probe() : null)`, Global)
}

// SendExpression calls the injected send helper. The result is a promise of a SendReport.
func SendExpression(text, conversation string) string {
	return fmt.Sprintf(`window.%s.send(%s, %s)`, Global, quote(text), quote(conversation))
}

// StateExpression reads the busy/idle signal for conversation.
func StateExpression(conversation string) string {
	return fmt.Sprintf(`(window.%[1]s ? window.%[1]s.getState(%[2]s) : null)`, Global, quote(conversation))
}

// TranscriptExpression checks whether text is already visible in the transcript.
func TranscriptExpression(text string) string {
	return fmt.Sprintf(`(window.%[1]s ? window.%[1]s.transcriptContains(%[2]s) : false)`, Global, quote(text))
}

// -- Standalone expressions (no injection required) --

// Op selects a standalone operation.
type Op string

const (
	OpProbe  Op = "probe"
	OpDetect Op = "detect"
	OpSet    Op = "set"
	OpVerify Op = "verify"
)

// StandaloneExpression runs op against a surface that may not carry the payload.
func StandaloneExpression(op Op, arg string, opts Options) string {
	cfg, _ := json.Marshal(opts.withDefaults())
	return fmt.Sprintf(`%s(%s, %s, %s)`, strings.TrimSpace(standalone), quote(string(op)), quote(arg), cfg)
}

// quote encodes s as a JavaScript string literal.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// -- Reports --

// ProbeReport is what probe() returns.
type ProbeReport struct {
	HasInput      bool    `json:"hasInput"`
	Score         float64 `json:"score"`
	HasAgentPanel bool    `json:"hasAgentPanel"`
}

// SendReport is what send() resolves to. OK is the surface's own verdict.
type SendReport struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Via    string `json:"via,omitempty"`
}

// StateReport is what getState() returns. LastActivity is milliseconds since the epoch, 0 if none.
type StateReport struct {
	Busy                bool    `json:"busy"`
	LastActivity        float64 `json:"lastActivity"`
	Polling             bool    `json:"polling"`
	Conversation        string  `json:"conversation"`
	MatchesConversation bool    `json:"matchesConversation"`
}

// DetectReport is the result of OpDetect.
type DetectReport struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

// SetReport is the result of OpSet.
type SetReport struct {
	Found   bool `json:"found"`
	Clicked bool `json:"clicked"`
}

// VerifyReport is the result of OpVerify.
type VerifyReport struct {
	Cleared bool `json:"cleared"`
	Echoed  bool `json:"echoed"`
}

// Accepted is the heuristic post-condition for a direct-manipulation send.
// It is not an acknowledgment from the surface.
func (v VerifyReport) Accepted() bool {
	return v.Cleared || v.Echoed
}
