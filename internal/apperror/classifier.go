package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
)

// statusCoder is implemented by transport errors that carry a response status.
type statusCoder interface {
	StatusCode() int
}

// Classifier turns a raw failure into an AppError.
type Classifier func(operation string, err error) *AppError

// Classify categorizes err. An AppError already present in the chain is kept
// as-is; everything unrecognized is Unknown and not retryable.
func Classify(operation string, err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := From(err); ok {
		if appErr.Operation == "" && operation != "" {
			return appErr.WithOperation(operation)
		}
		return appErr
	}

	category, code := categorize(err)
	e := Wrap(category, code, err.Error(), err)
	e.Operation = operation

	var sc statusCoder
	if errors.As(err, &sc) {
		e = e.With("status_code", sc.StatusCode())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e = e.With("exit_code", exitErr.ExitCode())
	}

	return e
}

func categorize(err error) (Category, Code) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return categorizeStatus(sc.StatusCode())
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return CategoryValidation, CodeMalformedPayload
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout, CodeNone
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CategoryExternalService, CodeEngineFailed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, CodeNone
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CategoryExternalService, CodeNone
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryExternalService, CodeNone
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryNetwork, CodeNone
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return CategoryNetwork, CodeNone
	}
	if netErr != nil {
		return CategoryNetwork, CodeNone
	}

	return CategoryUnknown, CodeNone
}

func categorizeStatus(status int) (Category, Code) {
	switch {
	case status == http.StatusRequestTimeout:
		return CategoryTimeout, CodeNone
	case status == http.StatusTooManyRequests:
		return CategoryExternalService, CodeNone
	case status == http.StatusUnauthorized:
		return CategoryPermission, CodeUnauthenticated
	case status == http.StatusForbidden:
		return CategoryPermission, CodeForbidden
	case status == http.StatusNotFound:
		return CategoryValidation, CodeNotFound
	case status >= 500:
		return CategoryExternalService, CodeNone
	case status >= 400:
		return CategoryValidation, CodeNone
	default:
		return CategoryUnknown, CodeNone
	}
}
