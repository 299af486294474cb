// -----------------------------------------------------------------------
// WebForm Processor - Drives records through a browser-rendered form
// -----------------------------------------------------------------------

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/session"
)

// Config describes the target form.
type Config struct {
	FormURL         string        `json:"form_url"`
	SubmitSelector  string        `json:"submit_selector"`
	SuccessSelector string        `json:"success_selector"`
	ErrorSelector   string        `json:"error_selector"`
	NavigateTimeout time.Duration `json:"navigate_timeout"`
	SubmitTimeout   time.Duration `json:"submit_timeout"`
	RecordDelay     time.Duration `json:"record_delay"`
}

// DefaultConfig returns conservative form-driving timings.
func DefaultConfig() Config {
	return Config{
		SubmitSelector:  `button[type="submit"]`,
		SuccessSelector: ".submission-success",
		ErrorSelector:   ".submission-error",
		NavigateTimeout: 30 * time.Second,
		SubmitTimeout:   20 * time.Second,
		RecordDelay:     500 * time.Millisecond,
	}
}

// WebForm submits records through a browser-rendered form, one record per
// page load. A per-record rejection (the form shows a validation error) is
// reported in the record's outcome and processing continues; a dead or
// unresponsive browser aborts the whole batch so the caller can recover
// the session.
type WebForm struct {
	config Config
	logger arbor.ILogger
}

// NewWebForm creates a form-driving record processor.
func NewWebForm(config Config, logger arbor.ILogger) *WebForm {
	defaults := DefaultConfig()
	if config.SubmitSelector == "" {
		config.SubmitSelector = defaults.SubmitSelector
	}
	if config.SuccessSelector == "" {
		config.SuccessSelector = defaults.SuccessSelector
	}
	if config.ErrorSelector == "" {
		config.ErrorSelector = defaults.ErrorSelector
	}
	if config.NavigateTimeout <= 0 {
		config.NavigateTimeout = defaults.NavigateTimeout
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = defaults.SubmitTimeout
	}
	if config.RecordDelay < 0 {
		config.RecordDelay = 0
	}
	return &WebForm{config: config, logger: logger}
}

// ProcessBatch submits every record in the batch through the form. The
// returned outcomes are in record order and cover every record processed
// before any batch-level failure.
func (w *WebForm) ProcessBatch(ctx context.Context, sess *interfaces.SessionHandle, records []models.Record, jobID string) ([]models.RecordOutcome, error) {
	browserCtx, ok := session.BrowserContext(sess)
	if !ok {
		return nil, fmt.Errorf("session %s is not browser-backed", sess.ID)
	}

	outcomes := make([]models.RecordOutcome, 0, len(records))
	for i, record := range records {
		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		default:
		}

		outcome, err := w.submitRecord(ctx, browserCtx, record)
		if err != nil {
			// Browser-level failure. Partial outcomes go back so completed
			// records are not replayed blindly.
			w.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("record_ref", record.Ref).
				Msg("Record submission hit a browser failure")
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)

		if w.config.RecordDelay > 0 && i < len(records)-1 {
			select {
			case <-ctx.Done():
				return outcomes, ctx.Err()
			case <-time.After(w.config.RecordDelay):
			}
		}
	}

	return outcomes, nil
}

// stepContext derives a chromedp-runnable context from the browser
// context with a step timeout, linked to the batch context so a batch
// timeout or cancellation interrupts the step mid-flight rather than
// waiting for it to finish.
func stepContext(ctx, browserCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	stepCtx, cancel := context.WithTimeout(browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return stepCtx, func() {
		stop()
		cancel()
	}
}

// submitRecord drives one record through the form. The error return is
// reserved for browser failures; form rejections come back as outcomes.
func (w *WebForm) submitRecord(ctx context.Context, browserCtx context.Context, record models.Record) (models.RecordOutcome, error) {
	navCtx, cancel := stepContext(ctx, browserCtx, w.config.NavigateTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(w.config.FormURL)); err != nil {
		return models.RecordOutcome{}, fmt.Errorf("navigate to form: %w", err)
	}

	// Fill every field of the record. Field names map to input names.
	fillActions := make([]chromedp.Action, 0, len(record.Fields))
	for name, value := range record.Fields {
		selector := fmt.Sprintf(`[name=%q]`, name)
		fillActions = append(fillActions,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, value, chromedp.ByQuery),
		)
	}
	if err := chromedp.Run(navCtx, fillActions...); err != nil {
		return models.RecordOutcome{}, fmt.Errorf("fill form fields: %w", err)
	}

	submitCtx, submitCancel := stepContext(ctx, browserCtx, w.config.SubmitTimeout)
	defer submitCancel()

	var html string
	err := chromedp.Run(submitCtx,
		chromedp.Click(w.config.SubmitSelector, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return models.RecordOutcome{}, fmt.Errorf("submit form: %w", err)
	}

	return w.parseResult(record, html), nil
}

// parseResult inspects the post-submit page for a confirmation or a
// rejection message.
func (w *WebForm) parseResult(record models.Record, html string) models.RecordOutcome {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.RecordOutcome{
			RecordRef: record.Ref,
			Status:    models.OutcomeError,
			Detail:    fmt.Sprintf("result page unparseable: %v", err),
		}
	}

	if sel := doc.Find(w.config.SuccessSelector); sel.Length() > 0 {
		return models.RecordOutcome{
			RecordRef: record.Ref,
			Status:    models.OutcomeSubmitted,
			Detail:    strings.TrimSpace(sel.First().Text()),
		}
	}

	if sel := doc.Find(w.config.ErrorSelector); sel.Length() > 0 {
		detail := strings.TrimSpace(sel.First().Text())
		w.logger.Debug().
			Str("record_ref", record.Ref).
			Str("detail", detail).
			Msg("Form rejected record")
		return models.RecordOutcome{
			RecordRef: record.Ref,
			Status:    models.OutcomeNotSubmitted,
			Detail:    detail,
		}
	}

	// No recognisable marker. Treat as an error outcome rather than
	// guessing success.
	return models.RecordOutcome{
		RecordRef: record.Ref,
		Status:    models.OutcomeError,
		Detail:    "result page had no success or error marker",
	}
}
