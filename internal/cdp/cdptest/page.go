package cdptest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/xkilldash9x/promptpilot/internal/payload"
)

// Kind classifies an evaluated expression by the payload entry point it calls.
type Kind string

const (
	KindInject     Kind = "inject"
	KindHasHelper  Kind = "has-helper"
	KindStart      Kind = "start"
	KindStop       Kind = "stop"
	KindProbe      Kind = "probe"
	KindSend       Kind = "send"
	KindState      Kind = "state"
	KindTranscript Kind = "transcript"
	KindDetect     Kind = "standalone-detect"
	KindFallback   Kind = "standalone-probe"
	KindSet        Kind = "standalone-set"
	KindVerify     Kind = "standalone-verify"
	KindOther      Kind = "other"
)

var helper = "window." + payload.Global

// Classify reports which entry point expression calls.
func Classify(expression string) Kind {
	switch {
	case strings.Contains(expression, "var CONFIG ="):
		return KindInject
	case strings.Contains(expression, "(function (op, arg, cfg)"):
		op, _, _ := standaloneArgs(expression)
		switch payload.Op(op) {
		case payload.OpDetect:
			return KindDetect
		case payload.OpProbe:
			return KindFallback
		case payload.OpSet:
			return KindSet
		case payload.OpVerify:
			return KindVerify
		}
		return KindOther
	case strings.HasPrefix(expression, "(typeof "+helper):
		return KindHasHelper
	case strings.HasPrefix(expression, helper+".send("):
		return KindSend
	case strings.Contains(expression, helper+".start("):
		return KindStart
	case strings.Contains(expression, helper+".stop()"):
		return KindStop
	case strings.Contains(expression, helper+".probe()"):
		return KindProbe
	case strings.Contains(expression, helper+".getState("):
		return KindState
	case strings.Contains(expression, helper+".transcriptContains("):
		return KindTranscript
	}
	return KindOther
}

// Page is a scripted chat surface. Its zero value has no input, no helper, and
// accepts nothing. Fields may be changed between calls under Lock.
type Page struct {
	sync.Mutex

	// Helper reports whether the payload is currently installed.
	Helper  bool
	Polling bool
	// Detect is the injection detector's verdict.
	Detect bool
	Probe  payload.ProbeReport
	// SendOK is the helper's verdict for every send.
	SendOK bool
	Busy   bool
	// LastActivity is milliseconds since the epoch.
	LastActivity float64
	Conversation string
	Transcript   []string

	SetFound   bool
	SetClicked bool
	Verify     payload.VerifyReport

	// Sent collects texts accepted through the helper; Typed collects texts set by the fallback.
	Sent  []string
	Typed []string
	Kinds []Kind
}

// Reload drops the installed helper, as a page reload would.
func (p *Page) Reload() {
	p.Lock()
	defer p.Unlock()
	p.Helper = false
	p.Polling = false
}

// Count returns how many evaluations of kind the page has answered.
func (p *Page) Count(kind Kind) int {
	p.Lock()
	defer p.Unlock()
	n := 0
	for _, k := range p.Kinds {
		if k == kind {
			n++
		}
	}
	return n
}

// SentTexts returns a copy of the texts accepted by the helper.
func (p *Page) SentTexts() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string(nil), p.Sent...)
}

// TypedTexts returns a copy of the texts set by the fallback.
func (p *Page) TypedTexts() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string(nil), p.Typed...)
}

// Eval answers expression; it is an EvalFunc.
func (p *Page) Eval(expression string) (interface{}, string) {
	kind := Classify(expression)

	p.Lock()
	defer p.Unlock()
	p.Kinds = append(p.Kinds, kind)

	switch kind {
	case KindInject:
		p.Helper = true
		return payload.Version, ""
	case KindHasHelper:
		return p.Helper, ""
	case KindStart:
		if !p.Helper {
			return false, ""
		}
		p.Polling = true
		return true, ""
	case KindStop:
		if !p.Helper {
			return false, ""
		}
		p.Polling = false
		return true, ""
	case KindProbe:
		if !p.Helper {
			return nil, ""
		}
		return p.Probe, ""
	case KindFallback:
		return p.Probe, ""
	case KindDetect:
		if p.Detect {
			return payload.DetectReport{Match: true, Reason: "panel"}, ""
		}
		return payload.DetectReport{Match: false, Reason: "no-keyword"}, ""
	case KindSend:
		if !p.Helper {
			return nil, "TypeError: Cannot read properties of undefined (reading 'send')"
		}
		args := callArgs(expression, helper+".send(", ")")
		if !p.SendOK || len(args) == 0 {
			return payload.SendReport{OK: false, Reason: "no-input"}, ""
		}
		p.Sent = append(p.Sent, args[0])
		p.Transcript = append(p.Transcript, args[0])
		return payload.SendReport{OK: true, Via: "click"}, ""
	case KindState:
		if !p.Helper {
			return nil, ""
		}
		args := callArgs(expression, helper+".getState(", ") : null)")
		conv := ""
		if len(args) > 0 {
			conv = args[0]
		}
		return payload.StateReport{
			Busy:                p.Busy,
			LastActivity:        p.LastActivity,
			Polling:             p.Polling,
			Conversation:        p.Conversation,
			MatchesConversation: conv == "" || p.Conversation == "" || conv == p.Conversation,
		}, ""
	case KindTranscript:
		args := callArgs(expression, helper+".transcriptContains(", ") : false)")
		if !p.Helper || len(args) == 0 {
			return false, ""
		}
		for _, line := range p.Transcript {
			if strings.Contains(line, args[0]) {
				return true, ""
			}
		}
		return false, ""
	case KindSet:
		_, text, _ := standaloneArgs(expression)
		if !p.SetFound {
			return payload.SetReport{}, ""
		}
		p.Typed = append(p.Typed, text)
		return payload.SetReport{Found: true, Clicked: p.SetClicked}, ""
	case KindVerify:
		return p.Verify, ""
	}
	return nil, ""
}

// callArgs decodes the JSON string arguments between prefix and suffix.
func callArgs(expression, prefix, suffix string) []string {
	i := strings.Index(expression, prefix)
	if i < 0 {
		return nil
	}
	rest := strings.TrimSuffix(expression[i+len(prefix):], suffix)
	var args []string
	if err := json.Unmarshal([]byte("["+rest+"]"), &args); err != nil {
		return nil
	}
	return args
}

func standaloneArgs(expression string) (op, arg string, cfg json.RawMessage) {
	i := strings.LastIndex(expression, "})(")
	if i < 0 {
		return "", "", nil
	}
	rest := strings.TrimSuffix(expression[i+3:], ")")
	var args []json.RawMessage
	if err := json.Unmarshal([]byte("["+rest+"]"), &args); err != nil || len(args) < 3 {
		return "", "", nil
	}
	_ = json.Unmarshal(args[0], &op)
	_ = json.Unmarshal(args[1], &arg)
	return op, arg, args[2]
}
