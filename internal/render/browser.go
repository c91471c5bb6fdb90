package render

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/gophersatwork/diagcache"
)

// renderMermaidJS renders source into the page body and returns the SVG.
const renderMermaidJS = `async (source, theme) => {
	mermaid.initialize({ startOnLoad: false, theme: theme || "default" });
	const { svg } = await mermaid.render("diagcache-diagram", source);
	document.body.innerHTML = svg;
	return svg;
}`

const blankPage = `<!DOCTYPE html><html><head><meta charset="utf-8"></head><body></body></html>`

// Browser renders Mermaid diagrams in headless Chrome via go-rod. The browser
// is started on first use and shared by concurrent renders, each in its own
// page. Rod downloads Chromium on first run unless ROD_BROWSER_BIN is set.
type Browser struct {
	script  string
	timeout time.Duration

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	js       string
}

var _ diagcache.Renderer = (*Browser)(nil)

// NewBrowser creates a renderer that loads the mermaid bundle from script.
// timeout bounds page operations when ctx has no deadline.
func NewBrowser(script string, timeout time.Duration) *Browser {
	return &Browser{script: script, timeout: timeout}
}

// ensureBrowser lazily launches and connects to the browser.
func (b *Browser) ensureBrowser() (*rod.Browser, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, b.js, nil
	}

	js, err := os.ReadFile(b.script) // #nosec G304 -- script path comes from configuration
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading mermaid script: %v", ErrBrowserConnect, err)
	}

	l := launcher.New()

	// Use pre-installed browser if specified (Docker/containerized environments)
	if bin := os.Getenv("ROD_BROWSER_BIN"); bin != "" {
		l = l.Bin(bin)
	}
	// NoSandbox required for CI and containerized environments
	if os.Getenv("CI") == "true" || os.Getenv("ROD_BROWSER_BIN") != "" {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		killProcessGroup(l.PID())
		l.Kill()
		return nil, "", fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}

	b.launcher = l
	b.browser = browser
	b.js = string(js)
	return browser, b.js, nil
}

// Render implements diagcache.Renderer.
func (b *Browser) Render(ctx context.Context, content []byte, cfg diagcache.RenderConfig) ([]byte, error) {
	if cfg.Renderer != diagcache.RendererMermaid {
		return nil, fmt.Errorf("%w: browser cannot render %q", ErrUnsupportedRenderer, cfg.Renderer)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, js, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("%w: creating page: %v", ErrBrowserRender, err)
	}
	defer page.Close()

	if _, ok := ctx.Deadline(); !ok && b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	page = page.Context(ctx)

	if err := page.SetDocumentContent(blankPage); err != nil {
		return nil, fmt.Errorf("%w: loading page: %v", ErrBrowserRender, err)
	}
	if err := page.AddScriptTag("", js); err != nil {
		return nil, fmt.Errorf("%w: loading mermaid: %v", ErrBrowserRender, err)
	}

	res, err := page.Eval(renderMermaidJS, string(content), cfg.Theme)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrBrowserRender, err)
	}
	svg := res.Value.Str()

	if cfg.Format != diagcache.FormatPNG {
		return []byte(svg), nil
	}

	el, err := page.Element("svg")
	if err != nil {
		return nil, fmt.Errorf("%w: locating svg: %v", ErrBrowserRender, err)
	}
	png, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", ErrBrowserRender, err)
	}
	return png, nil
}

// Close shuts the browser down and kills its process tree.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	killProcessGroup(b.launcher.PID())
	b.launcher.Kill()
	b.browser = nil
	b.launcher = nil
	return err
}
