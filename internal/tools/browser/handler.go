package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// browserParams is the union of every browser_* action's parameters;
// unused fields are simply left zero per action, matching the
// teacher's single-schema-many-actions BrowserTool.Schema shape.
type browserParams struct {
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Script   string `json:"script,omitempty"`
}

const navigateSchema = `{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`
const clickSchema = `{"type":"object","properties":{"selector":{"type":"string"}},"required":["selector"]}`
const typeSchema = `{"type":"object","properties":{"selector":{"type":"string"},"text":{"type":"string"}},"required":["selector","text"]}`
const extractTextSchema = `{"type":"object","properties":{"selector":{"type":"string"}}}`
const screenshotSchema = `{"type":"object","properties":{}}`

// Register wires the browser_* built-in tools (§4.E) into reg. Every
// action is Exclusive: a Playwright Page is shared mutable state a
// parallel batch could race on, so none of these tools are eligible
// for the scheduler's ParallelSafe class (§4.F).
func Register(reg *tools.Registry, pool *Pool) error {
	type toolDef struct {
		name, desc, schema string
		run                func(context.Context, playwright.Page, browserParams) (string, error)
	}
	defs := []toolDef{
		{"browser_navigate", "Navigate the browser to a URL.", navigateSchema, runNavigate},
		{"browser_click", "Click an element matched by a CSS selector.", clickSchema, runClick},
		{"browser_type", "Type text into an input matched by a CSS selector.", typeSchema, runType},
		{"browser_extract_text", "Extract the visible text content of the page or one element.", extractTextSchema, runExtractText},
		{"browser_screenshot", "Capture a screenshot of the current page, base64-encoded.", screenshotSchema, runScreenshot},
	}

	for _, d := range defs {
		if err := reg.Register(
			kernel.ToolSchema{Name: d.name, Description: d.desc, Parameters: json.RawMessage(d.schema)},
			tools.Hints{Concurrency: tools.Exclusive, DiffImpact: tools.DiffNone},
			handlerFor(pool, d.run),
		); err != nil {
			return fmt.Errorf("browser: registering %s: %w", d.name, err)
		}
	}
	return nil
}

func handlerFor(pool *Pool, run func(context.Context, playwright.Page, browserParams) (string, error)) tools.Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var p browserParams
		if err := json.Unmarshal(inv.Payload.Arguments, &p); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("browser: arguments: %w", err))
		}

		inst, err := pool.Acquire(ctx)
		if err != nil {
			return failOutput(inv.Ctx.CallID, fmt.Sprintf("browser: acquire instance: %v", err)), nil
		}
		defer pool.Release(inst)

		out, err := run(ctx, inst.Page, p)
		if err != nil {
			return failOutput(inv.Ctx.CallID, err.Error()), nil
		}
		success := true
		return kernel.ConversationItem{
			Type:       kernel.ItemFunctionCallOutput,
			CallID:     inv.Ctx.CallID,
			OutputText: out,
			Success:    &success,
		}, nil
	}
}

func failOutput(callID kernel.CallId, msg string) kernel.ConversationItem {
	failure := false
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     callID,
		OutputText: msg,
		Success:    &failure,
	}
}

func runNavigate(_ context.Context, page playwright.Page, p browserParams) (string, error) {
	if p.URL == "" {
		return "", fmt.Errorf("browser_navigate: url is required")
	}
	if _, err := page.Goto(p.URL, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}); err != nil {
		return "", fmt.Errorf("navigation failed: %w", err)
	}
	return fmt.Sprintf("navigated to %s", p.URL), nil
}

func runClick(_ context.Context, page playwright.Page, p browserParams) (string, error) {
	if p.Selector == "" {
		return "", fmt.Errorf("browser_click: selector is required")
	}
	if err := page.Click(p.Selector); err != nil {
		return "", fmt.Errorf("click failed: %w", err)
	}
	return fmt.Sprintf("clicked %s", p.Selector), nil
}

func runType(_ context.Context, page playwright.Page, p browserParams) (string, error) {
	if p.Selector == "" || p.Text == "" {
		return "", fmt.Errorf("browser_type: selector and text are required")
	}
	if err := page.Fill(p.Selector, p.Text); err != nil {
		return "", fmt.Errorf("type failed: %w", err)
	}
	return fmt.Sprintf("typed into %s", p.Selector), nil
}

func runExtractText(_ context.Context, page playwright.Page, p browserParams) (string, error) {
	if p.Selector == "" {
		text, err := page.InnerText("body")
		if err != nil {
			return "", fmt.Errorf("extract_text failed: %w", err)
		}
		return text, nil
	}
	text, err := page.InnerText(p.Selector)
	if err != nil {
		return "", fmt.Errorf("extract_text failed: %w", err)
	}
	return text, nil
}

func runScreenshot(_ context.Context, page playwright.Page, _ browserParams) (string, error) {
	bytes, err := page.Screenshot()
	if err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return fmt.Sprintf("captured screenshot (%d bytes)", len(bytes)), nil
}
