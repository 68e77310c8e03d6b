package provider

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/teranos/docpipe/errors"
)

var statusPattern = regexp.MustCompile(`status(?: code)?:? (\d{3})`)

// Messages that mean retrying with the same request cannot succeed.
var permanentMarkers = []string{
	"api key not configured",
	"invalid api key",
	"incorrect api key",
	"unauthorized",
	"invalid_request_error",
	"model not found",
	"does not exist",
}

func isTransientStatus(status int) bool {
	return status == 408 || status == 425 || status == 429 || status >= 500
}

// classifyStatus marks err by the HTTP status it came with.
func classifyStatus(status int, err error) error {
	if isTransientStatus(status) {
		return errors.MarkTransient(err)
	}
	return errors.MarkPermanent(err)
}

// classifyError marks an adapter failure as transient or permanent.
// Failures without a definitive answer from the backend are transient.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrTransientProvider) || errors.Is(err, errors.ErrPermanentProvider) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.MarkTransient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.MarkTransient(err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return errors.MarkTransient(err)
	}

	msg := strings.ToLower(err.Error())
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil {
			return classifyStatus(status, err)
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return errors.MarkPermanent(err)
		}
	}

	return errors.MarkTransient(err)
}
