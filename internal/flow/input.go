package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CivicPipe/internal/limits"
	"github.com/BTreeMap/CivicPipe/internal/media"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// Input validation failure reasons.
const (
	ReasonRequired    = "required"
	ReasonTooShort    = "too_short"
	ReasonTooLong     = "too_long"
	ReasonFormat      = "format"
	ReasonPattern     = "pattern"
	ReasonMissing     = "missing_media"
	ReasonMediaType   = "media_type"
	ReasonMediaSize   = "media_size"
	ReasonUploadError = "upload_failed"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	dateLayouts  = []string{models.DateLayout, "02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006"}
)

// patterns caches compiled inputConfig.validation patterns.
var patterns sync.Map

// compilePattern returns the compiled form of an inputConfig.validation.pattern.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// InputCollector turns a participant's reply into a collected field value.
type InputCollector struct {
	uploader media.Uploader
}

// NewInputCollector creates a collector. uploader may be nil when no flow asks for
// images or documents.
func NewInputCollector(uploader media.Uploader) *InputCollector {
	return &InputCollector{uploader: uploader}
}

// Collect validates event against cfg. ok is false when an optional field was left
// empty. Validation failures are returned as *InputError.
func (c *InputCollector) Collect(ctx context.Context, cfg models.InputConfig, event models.InboundEvent) (v models.FieldValue, ok bool, err error) {
	fail := func(reason, msg string) (models.FieldValue, bool, error) {
		return models.FieldValue{}, false, &InputError{Field: cfg.SaveToField, Reason: reason, Message: msg}
	}

	switch cfg.InputType {
	case models.InputTypeImage, models.InputTypeDocument:
		return c.collectMedia(ctx, cfg, event)
	case models.InputTypeLocation:
		if event.Location == nil {
			if !cfg.Required && strings.TrimSpace(event.Body) == "" {
				return models.FieldValue{}, false, nil
			}
			return fail(ReasonMissing, "Please share your location using the attachment button.")
		}
		loc := *event.Location
		return models.FieldValue{Location: &loc}, true, nil
	}

	value := strings.TrimSpace(event.Body)
	if value == "" {
		if cfg.Required {
			return fail(ReasonRequired, "This field is required.")
		}
		return models.FieldValue{}, false, nil
	}
	if rule := cfg.Validation; rule != nil && rule.ErrorMessage != "" {
		fail = func(reason, _ string) (models.FieldValue, bool, error) {
			return models.FieldValue{}, false, &InputError{Field: cfg.SaveToField, Reason: reason, Message: rule.ErrorMessage}
		}
	}
	n := utf8.RuneCountInString(value)
	if cfg.MinLength > 0 && n < cfg.MinLength {
		return fail(ReasonTooShort, fmt.Sprintf("Please enter at least %d characters.", cfg.MinLength))
	}
	if cfg.MaxLength > 0 && n > cfg.MaxLength {
		return fail(ReasonTooLong, fmt.Sprintf("Please enter no more than %d characters.", cfg.MaxLength))
	}

	switch cfg.InputType {
	case models.InputTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fail(ReasonFormat, "Please enter a valid number.")
		}
	case models.InputTypeEmail:
		if !emailPattern.MatchString(value) {
			return fail(ReasonFormat, "Please enter a valid email address.")
		}
	case models.InputTypePhone:
		if !phonePattern.MatchString(phoneStrip.Replace(value)) {
			return fail(ReasonFormat, "Please enter a valid phone number.")
		}
	case models.InputTypeDate:
		d, ok := parseDate(value)
		if !ok {
			return fail(ReasonFormat, "Please enter a valid date, for example 2025-11-03.")
		}
		value = d
	}
	if cfg.Validation != nil && cfg.Validation.Pattern != "" {
		re, err := compilePattern(cfg.Validation.Pattern)
		if err != nil {
			return models.FieldValue{}, false, fmt.Errorf("field %s: invalid pattern: %w", cfg.SaveToField, err)
		}
		if !re.MatchString(value) {
			return fail(ReasonPattern, "Please check your answer and try again.")
		}
	}
	return models.TextValue(value), true, nil
}

func parseDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(models.DateLayout), true
		}
	}
	return "", false
}

func (c *InputCollector) collectMedia(ctx context.Context, cfg models.InputConfig, event models.InboundEvent) (models.FieldValue, bool, error) {
	fail := func(reason, msg string) (models.FieldValue, bool, error) {
		return models.FieldValue{}, false, &InputError{Field: cfg.SaveToField, Reason: reason, Message: msg}
	}
	image := cfg.InputType == models.InputTypeImage

	m := event.Media
	if m == nil || (len(m.Data) == 0 && m.URL == "") {
		if !cfg.Required && strings.TrimSpace(event.Body) == "" {
			return models.FieldValue{}, false, nil
		}
		if image {
			return fail(ReasonMissing, "Please send a photo.")
		}
		return fail(ReasonMissing, "Please send a document.")
	}

	mime := strings.ToLower(m.MimeType)
	if image && !strings.HasPrefix(mime, "image/") {
		return fail(ReasonMediaType, "Please send a photo (JPEG or PNG).")
	}
	maxBytes := limits.MaxDocumentBytes
	if image {
		maxBytes = limits.MaxImageBytes
	}
	if len(m.Data) > maxBytes {
		return fail(ReasonMediaSize, fmt.Sprintf("The file is too large. The limit is %d MB.", maxBytes/(1024*1024)))
	}

	// Provider-hosted media without bytes is kept by reference.
	if len(m.Data) == 0 {
		return models.TextValue(m.URL), true, nil
	}
	if c.uploader == nil {
		slog.Error("InputCollector.Collect: no media uploader configured", "field", cfg.SaveToField)
		return fail(ReasonUploadError, "We could not save your file. Please try again.")
	}
	url, err := c.uploader.Upload(ctx, m.Data, mime)
	if err != nil {
		slog.Warn("InputCollector.Collect: upload failed", "field", cfg.SaveToField, "error", err)
		if errors.Is(err, media.ErrUnsupportedMedia) {
			return fail(ReasonMediaType, "This file type is not supported.")
		}
		if errors.Is(err, media.ErrMediaTooLarge) {
			return fail(ReasonMediaSize, "The file is too large.")
		}
		return fail(ReasonUploadError, "We could not save your file. Please try again.")
	}
	return models.TextValue(url), true, nil
}
