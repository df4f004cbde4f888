package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/rahul/phonepilot/internal/agent"
)

// Phone-sized viewport used when the browser stands in for a device.
const (
	ViewportWidth  = 412
	ViewportHeight = 915
)

const browserActionTimeout = 60 * time.Second

// BrowserSurface drives a Chrome tab as a controlled surface. Taps become
// clicks, scrolls become window scrolls, and "apps" are URLs.
type BrowserSurface struct {
	HomeURL  string
	Headless bool

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserSurface(homeURL string, headless bool) *BrowserSurface {
	if homeURL == "" {
		homeURL = "about:blank"
	}
	return &BrowserSurface{HomeURL: homeURL, Headless: headless}
}

func (b *BrowserSurface) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(ViewportWidth, ViewportHeight),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx,
		chromedp.EmulateViewport(ViewportWidth, ViewportHeight),
		chromedp.Navigate(b.HomeURL),
	)
}

func (b *BrowserSurface) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down. The next call starts a fresh one.
func (b *BrowserSurface) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

// run executes actions in the tab, bounded by both the caller's context and
// a per-action timeout.
func (b *BrowserSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := b.initBrowser(); err != nil {
		return fmt.Errorf("failed to initialize browser: %v", err)
	}
	actionCtx, cancel := context.WithTimeout(b.browserCtx, browserActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(actionCtx, actions...)
}

// CaptureObservation screenshots the viewport. When that fails the readable
// page text is returned instead.
func (b *BrowserSurface) CaptureObservation(ctx context.Context) (*agent.Observation, error) {
	var buf []byte
	err := b.run(ctx, chromedp.CaptureScreenshot(&buf))
	if err == nil && len(buf) > 0 {
		return &agent.Observation{Image: base64.StdEncoding.EncodeToString(buf)}, nil
	}

	text, textErr := b.DescribeScreen(ctx)
	if textErr != nil {
		return nil, fmt.Errorf("screenshot failed: %v; page text failed: %w", err, textErr)
	}
	return &agent.Observation{ScreenText: text}, nil
}

// DescribeScreen extracts the readable text of the current page.
func (b *BrowserSurface) DescribeScreen(ctx context.Context) (string, error) {
	var html, location string
	err := b.run(ctx,
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return "", err
	}
	return ReadableText(html, location)
}

// TapByText clicks the deepest element whose text contains text. Blank text
// matches nothing.
func (b *BrowserSurface) TapByText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return agent.ErrNoMatch
	}
	sel := fmt.Sprintf(`//*[contains(normalize-space(.), %s) and not(*[contains(normalize-space(.), %s)])]`,
		xpathLiteral(text), xpathLiteral(text))
	return b.clickFirst(ctx, sel, chromedp.BySearch)
}

func (b *BrowserSurface) TapByDescription(ctx context.Context, description string) error {
	if strings.TrimSpace(description) == "" {
		return agent.ErrNoMatch
	}
	q := cssString(description)
	sel := fmt.Sprintf(`[aria-label*=%s i], [title*=%s i], [alt*=%s i]`, q, q, q)
	return b.clickFirst(ctx, sel, chromedp.ByQueryAll)
}

func (b *BrowserSurface) clickFirst(ctx context.Context, sel string, by chromedp.QueryOption) error {
	var nodes []*cdp.Node
	if err := b.run(ctx, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return agent.ErrNoMatch
	}
	return b.run(ctx, chromedp.MouseClickNode(nodes[0]))
}

func (b *BrowserSurface) TapAt(ctx context.Context, x, y float64) error {
	return b.run(ctx, chromedp.MouseClickXY(x, y))
}

func (b *BrowserSurface) TypeText(ctx context.Context, text string) error {
	return b.run(ctx, chromedp.KeyEvent(text))
}

func (b *BrowserSurface) ScrollDown(ctx context.Context) error {
	return b.scroll(ctx, "0", "window.innerHeight*0.7")
}

func (b *BrowserSurface) ScrollUp(ctx context.Context) error {
	return b.scroll(ctx, "0", "-window.innerHeight*0.7")
}

func (b *BrowserSurface) SwipeLeft(ctx context.Context) error {
	return b.scroll(ctx, "window.innerWidth*0.8", "0")
}

func (b *BrowserSurface) SwipeRight(ctx context.Context) error {
	return b.scroll(ctx, "-window.innerWidth*0.8", "0")
}

func (b *BrowserSurface) scroll(ctx context.Context, dx, dy string) error {
	return b.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(%s, %s)", dx, dy), nil))
}

// OpenApp treats the package name as a URL, adding https:// when needed.
func (b *BrowserSurface) OpenApp(ctx context.Context, packageName string) error {
	return b.run(ctx, chromedp.Navigate(AppURL(packageName)))
}

func (b *BrowserSurface) PressBack(ctx context.Context) error {
	return b.run(ctx, chromedp.NavigateBack())
}

func (b *BrowserSurface) PressHome(ctx context.Context) error {
	return b.run(ctx, chromedp.Navigate(b.HomeURL))
}

// AppURL turns a package-like identifier into something navigable.
func AppURL(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "://") || strings.HasPrefix(name, "about:") {
		return name
	}
	return "https://" + name
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ")
	return `"` + r.Replace(s) + `"`
}
