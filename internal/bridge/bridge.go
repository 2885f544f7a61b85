// Package bridge drives the platform automation layer (Contacts and
// Messages via osascript). Calls are slow, rate-limited, and can fail
// transiently; callers treat the bridge as an opaque collaborator.
package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgra59/apple-mcp-enhanced/internal/apperr"
)

// Service identifies a Messages.app service type.
type Service string

const (
	ServiceIMessage Service = "iMessage"
	ServiceSMS      Service = "SMS"
)

// Runner executes one AppleScript payload and returns its output.
// Production uses osascript; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

// OSARunner shells out to osascript with a per-call timeout.
type OSARunner struct {
	Timeout time.Duration
}

func (r OSARunner) Run(ctx context.Context, script string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: osascript: %v (output: %s)", apperr.ErrBridgeUnavailable, err, strings.TrimSpace(string(b)))
	}
	return string(b), nil
}

// Client is the automation bridge client.
type Client struct {
	runner Runner
	log    *zap.Logger
}

// NewClient verifies osascript is present and returns a bridge client.
func NewClient(log *zap.Logger) (*Client, error) {
	if _, err := exec.LookPath("osascript"); err != nil {
		return nil, fmt.Errorf("%w: osascript not found in PATH", apperr.ErrBridgeUnavailable)
	}
	return NewClientWithRunner(OSARunner{}, log), nil
}

// NewClientWithRunner builds a client over an explicit runner.
func NewClientWithRunner(runner Runner, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{runner: runner, log: log}
}

// RawContact is one directory entry as enumerated by Contacts.app,
// before normalization.
type RawContact struct {
	Name   string
	Phones []string
	Emails []string
}

// listContactsScript emits one line per person: name, phone list, and
// email list, "||"-delimited with ","-separated sublists. Contact
// display names containing "||" would corrupt a line; Contacts.app
// does not produce them in practice.
const listContactsScript = `tell application "Contacts"
	set out to ""
	repeat with p in people
		set pname to name of p
		set plist to ""
		repeat with ph in phones of p
			if plist is not "" then set plist to plist & ","
			set plist to plist & (value of ph)
		end repeat
		set elist to ""
		repeat with em in emails of p
			if elist is not "" then set elist to elist & ","
			set elist to elist & (value of em)
		end repeat
		set out to out & pname & "||" & plist & "||" & elist & linefeed
	end repeat
	return out
end tell`

// ListContacts enumerates every directory entry in one bridge call.
func (c *Client) ListContacts(ctx context.Context) ([]RawContact, error) {
	start := time.Now()
	out, err := c.runner.Run(ctx, listContactsScript)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	var contacts []RawContact
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "||")
		rc := RawContact{Name: strings.TrimSpace(fields[0])}
		if rc.Name == "" {
			continue
		}
		if len(fields) > 1 {
			rc.Phones = splitList(fields[1])
		}
		if len(fields) > 2 {
			rc.Emails = splitList(fields[2])
		}
		contacts = append(contacts, rc)
	}
	c.log.Debug("contacts enumerated",
		zap.Int("count", len(contacts)),
		zap.Duration("elapsed", time.Since(start)))
	return contacts, nil
}

const probeScriptTemplate = `tell application "Messages"
	try
		set targetService to 1st account whose service type = %s
		set targetBuddy to participant "%s" of targetService
		return "true"
	on error
		return "false"
	end try
end tell`

// ServiceHandleExists probes whether Messages.app has an account
// association for number on the given service.
func (c *Client) ServiceHandleExists(ctx context.Context, svc Service, number string) (bool, error) {
	script := fmt.Sprintf(probeScriptTemplate, svc, escapeScriptString(number))
	out, err := c.runner.Run(ctx, script)
	if err != nil {
		return false, fmt.Errorf("probe %s handle: %w", svc, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

const sendScriptTemplate = `tell application "Messages"
	set targetService to 1st account whose service type = %s
	set targetBuddy to participant "%s" of targetService
	send "%s" to targetBuddy
end tell`

// SendMessage dispatches a message to number over the given service.
func (c *Client) SendMessage(ctx context.Context, svc Service, number, body string) error {
	script := fmt.Sprintf(sendScriptTemplate, svc, escapeScriptString(number), escapeScriptString(body))
	if _, err := c.runner.Run(ctx, script); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrSendFailed, err)
	}
	c.log.Info("message sent", zap.String("service", string(svc)), zap.String("to", number))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// escapeScriptString makes a value safe inside a double-quoted
// AppleScript literal.
func escapeScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
