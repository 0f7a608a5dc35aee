// Package chat validates direct-message content before it reaches the store.
package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max text size
	MaxTextChars    = 2000 // max character count
	MaxImageURLLen  = 2048
)

// ErrEmptyMessage is returned when a message has neither text nor image.
var ErrEmptyMessage = errors.New("chat: message has no text or image")

// ValidateMessage checks that a direct message carries text, an image
// reference, or both, and that each part meets content limits.
func ValidateMessage(text, image string) error {
	if strings.TrimSpace(text) == "" && image == "" {
		return ErrEmptyMessage
	}
	if text != "" {
		if err := validateText(text); err != nil {
			return err
		}
	}
	if image != "" {
		if err := validateImage(image); err != nil {
			return err
		}
	}
	return nil
}

func validateText(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// validateImage accepts absolute http(s) URLs, the shape returned by the
// upload collaborator.
func validateImage(image string) error {
	if len(image) > MaxImageURLLen {
		return fmt.Errorf("chat: image url exceeds %d byte limit", MaxImageURLLen)
	}
	u, err := url.Parse(image)
	if err != nil {
		return fmt.Errorf("chat: invalid image url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("chat: image url must be absolute http(s)")
	}
	return nil
}
