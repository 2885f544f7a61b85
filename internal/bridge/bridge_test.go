package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tgra59/apple-mcp-enhanced/internal/apperr"
)

// fakeRunner returns canned output, capturing the script it was given.
type fakeRunner struct {
	out     string
	err     error
	scripts []string
}

func (f *fakeRunner) Run(ctx context.Context, script string) (string, error) {
	f.scripts = append(f.scripts, script)
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestListContactsParsing(t *testing.T) {
	runner := &fakeRunner{out: `Ana Samat||+34 618 82 37 93,(415) 555-2671||ana@example.com
Jon Postel||+14155550004||
Email Only||||nobody@example.com

||+15550000000||orphan@example.com
`}
	c := NewClientWithRunner(runner, nil)

	got, err := c.ListContacts(context.Background())
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("contacts=%+v", got)
	}
	if got[0].Name != "Ana Samat" || len(got[0].Phones) != 2 || got[0].Phones[1] != "(415) 555-2671" {
		t.Fatalf("first=%+v", got[0])
	}
	if len(got[1].Emails) != 0 {
		t.Fatalf("second=%+v", got[1])
	}
	if got[2].Name != "Email Only" || len(got[2].Phones) != 0 {
		t.Fatalf("third=%+v", got[2])
	}
}

func TestListContactsBridgeError(t *testing.T) {
	runner := &fakeRunner{err: apperr.ErrBridgeUnavailable}
	c := NewClientWithRunner(runner, nil)
	if _, err := c.ListContacts(context.Background()); !errors.Is(err, apperr.ErrBridgeUnavailable) {
		t.Fatalf("err=%v", err)
	}
}

func TestServiceHandleExists(t *testing.T) {
	runner := &fakeRunner{out: "true\n"}
	c := NewClientWithRunner(runner, nil)

	ok, err := c.ServiceHandleExists(context.Background(), ServiceIMessage, "+14155550004")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !strings.Contains(runner.scripts[0], `service type = iMessage`) {
		t.Fatalf("script=%s", runner.scripts[0])
	}
	if !strings.Contains(runner.scripts[0], `participant "+14155550004"`) {
		t.Fatalf("script=%s", runner.scripts[0])
	}

	runner.out = "false"
	ok, err = c.ServiceHandleExists(context.Background(), ServiceSMS, "+14155550004")
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestSendMessageEscapesBody(t *testing.T) {
	runner := &fakeRunner{out: ""}
	c := NewClientWithRunner(runner, nil)

	err := c.SendMessage(context.Background(), ServiceIMessage, "+14155550004", `say "hi" \now`)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	script := runner.scripts[0]
	if !strings.Contains(script, `\"hi\"`) || !strings.Contains(script, `\\now`) {
		t.Fatalf("body not escaped: %s", script)
	}
}

func TestSendMessageFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("execution error")}
	c := NewClientWithRunner(runner, nil)
	err := c.SendMessage(context.Background(), ServiceSMS, "+14155550004", "hi")
	if !errors.Is(err, apperr.ErrSendFailed) {
		t.Fatalf("err=%v", err)
	}
}
