package products

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	KindImage = "image"
	KindVideo = "video"
	KindVoice = "voice"
)

type validator func(input map[string]any, limits Limits) error

var validators = map[string]validator{
	KindImage: validateImage,
	KindVideo: validateVideo,
	KindVoice: validateVoice,
}

func validateImage(input map[string]any, limits Limits) error {
	if err := requireText(input, "prompt", limits.MaxPromptLength); err != nil {
		return err
	}
	if err := optionalInt(input, "num_images", 1, limits.MaxImages); err != nil {
		return err
	}
	for _, dim := range []string{"width", "height"} {
		if err := optionalInt(input, dim, limits.MinDimension, limits.MaxDimension); err != nil {
			return err
		}
	}
	return nil
}

// validateVideo accepts lip-sync requests: a source image and an audio track.
func validateVideo(input map[string]any, limits Limits) error {
	for _, field := range []string{"image_url", "audio_url"} {
		if err := requireURL(input, field); err != nil {
			return err
		}
	}
	if _, ok := input["prompt"]; ok {
		return requireText(input, "prompt", limits.MaxPromptLength)
	}
	return nil
}

func validateVoice(input map[string]any, limits Limits) error {
	if err := requireText(input, "text", limits.MaxTextLength); err != nil {
		return err
	}
	if v, ok := input["voice"]; ok {
		if s, isStr := v.(string); !isStr || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: voice must be a non-empty string", ErrInvalidInput)
		}
	}
	return nil
}

func requireText(input map[string]any, field string, maxLen int) error {
	s, ok := input[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return fmt.Errorf("%w: %s must be at most %d characters", ErrInvalidInput, field, maxLen)
	}
	return nil
}

func requireURL(input map[string]any, field string) error {
	s, ok := input[field].(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s must be an http(s) URL", ErrInvalidInput, field)
	}
	return nil
}

// optionalInt checks a JSON number field when present. Zero bounds are open.
func optionalInt(input map[string]any, field string, lo, hi int) error {
	v, ok := input[field]
	if !ok || v == nil {
		return nil
	}
	f, isNum := v.(float64)
	if !isNum || f != float64(int(f)) {
		return fmt.Errorf("%w: %s must be an integer", ErrInvalidInput, field)
	}
	n := int(f)
	if (lo > 0 && n < lo) || (hi > 0 && n > hi) {
		return fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidInput, field, lo, hi)
	}
	return nil
}
