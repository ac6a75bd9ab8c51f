package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Options struct {
	BinaryPath string
	Headless   bool
}

// RodDriver drives a dedicated Chromium process through go-rod, with the
// stealth patches applied to its page.
type RodDriver struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// NewFactory returns a Factory that launches a fresh browser per call.
func NewFactory(opts Options) Factory {
	return func(ctx context.Context, logf func(string)) (Driver, error) {
		return Launch(ctx, opts, logf)
	}
}

func Launch(ctx context.Context, opts Options, logf func(string)) (*RodDriver, error) {
	l := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("user-agent", userAgent)

	if opts.BinaryPath != "" {
		if _, err := os.Stat(opts.BinaryPath); err == nil {
			l = l.Bin(opts.BinaryPath)
		} else if logf != nil {
			logf(fmt.Sprintf("Chrome binary not found at %s, falling back to default lookup", opts.BinaryPath))
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &RodDriver{launcher: l, browser: b, page: page}, nil
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	if err := d.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *RodDriver) Title(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("read page title: %w", err)
	}
	return info.Title, nil
}

func (d *RodDriver) FindElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	el, err := d.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("element %q not found: %w after %s", selector, ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("find element %q: %w", selector, err)
	}
	return &rodElement{el: el.Context(ctx), selector: selector}, nil
}

// Quit closes the browser and kills its process. Safe to call after a failed
// navigation or a cancelled context.
func (d *RodDriver) Quit() error {
	err := d.browser.Close()
	d.launcher.Kill()
	d.launcher.Cleanup()
	return err
}

type rodElement struct {
	el       *rod.Element
	selector string
}

// Attribute prefers the DOM property, which resolves relative href/src
// values to absolute URLs, and falls back to the raw attribute.
func (e *rodElement) Attribute(name string) (string, error) {
	if prop, err := e.el.Property(name); err == nil && !prop.Nil() && prop.Str() != "" {
		return prop.Str(), nil
	}
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", fmt.Errorf("read %s of %q: %w", name, e.selector, err)
	}
	if v == nil || *v == "" {
		return "", fmt.Errorf("element %q has no %s", e.selector, name)
	}
	return *v, nil
}
