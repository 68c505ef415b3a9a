package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// perform maps one action onto chromedp tasks and runs them.
func (s *Session) perform(ctx context.Context, a models.Action, res *models.ActionResult) error {
	switch a.Type {
	case models.ActionNavigate:
		return chromedp.Run(ctx,
			chromedp.Navigate(a.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)

	case models.ActionWait:
		if a.WaitMs > 0 {
			return chromedp.Run(ctx, chromedp.Sleep(time.Duration(a.WaitMs)*time.Millisecond))
		}
		return chromedp.Run(ctx, chromedp.WaitVisible(a.Selector, chromedp.ByQuery))

	case models.ActionClick:
		return chromedp.Run(ctx, chromedp.Click(a.Selector, chromedp.ByQuery, chromedp.NodeVisible))

	case models.ActionFill:
		return chromedp.Run(ctx,
			chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
			chromedp.SetValue(a.Selector, a.Value, chromedp.ByQuery),
		)

	case models.ActionEvaluate:
		var raw json.RawMessage
		if err := chromedp.Run(ctx, chromedp.Evaluate(a.Expression, &raw)); err != nil {
			return err
		}
		res.Value = string(raw)
		return nil

	case models.ActionExtract:
		return s.extract(ctx, a, res)

	case models.ActionScreenshot:
		return s.screenshot(ctx, a, res)

	default:
		return fmt.Errorf("unsupported action type %q", a.Type)
	}
}

func (s *Session) extract(ctx context.Context, a models.Action, res *models.ActionResult) error {
	if a.Attribute == "" {
		var text string
		if err := chromedp.Run(ctx, chromedp.Text(a.Selector, &text, chromedp.ByQuery)); err != nil {
			return err
		}
		res.Value = text
		return nil
	}

	var value string
	var ok bool
	if err := chromedp.Run(ctx, chromedp.AttributeValue(a.Selector, a.Attribute, &value, &ok, chromedp.ByQuery)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("element %q has no attribute %q", a.Selector, a.Attribute)
	}
	res.Value = value
	return nil
}

func (s *Session) screenshot(ctx context.Context, a models.Action, res *models.ActionResult) error {
	var buf []byte
	var task chromedp.Action

	if a.FullPage {
		task = chromedp.FullScreenshot(&buf, 90)
	} else {
		task = chromedp.ActionFunc(func(c context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(c)
			return err
		})
	}

	if err := chromedp.Run(ctx, task); err != nil {
		return err
	}
	res.Data = buf
	return nil
}
