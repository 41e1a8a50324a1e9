package ingest

import appErrors "github.com/coreim/messaging-core/pkg/errors"

// Send-pipeline error taxonomy, each a distinct Code built on AppError
// rather than a raw error string compared by substring.
const (
	CodeValidation          = "INGEST_VALIDATION"
	CodePermission          = "INGEST_PERMISSION"
	CodeStore               = "INGEST_STORE"
	CodeBrokerTransient     = "INGEST_BROKER_TRANSIENT"
	CodeBrokerPermanent     = "INGEST_BROKER_PERMANENT"
	CodeSequenceUnavailable = "INGEST_SEQUENCE_UNAVAILABLE"
	CodeWebhook             = "INGEST_WEBHOOK"
	CodeBackpressure        = "INGEST_BACKPRESSURE"
	CodeRecallWindow        = "INGEST_RECALL_WINDOW_EXCEEDED"
)

func validationError(msg string) error { return appErrors.New(CodeValidation, msg, nil) }
func permissionError(reason string) error { return appErrors.New(CodePermission, reason, nil) }
func storeError(err error) error        { return appErrors.New(CodeStore, "store operation failed", err) }
func brokerTransientError(err error) error {
	return appErrors.New(CodeBrokerTransient, "broker request failed transiently", err)
}
func brokerPermanentError(err error) error {
	return appErrors.New(CodeBrokerPermanent, "broker rejected the request", err)
}
func sequenceUnavailableError(err error) error {
	return appErrors.New(CodeSequenceUnavailable, "sequence counter unavailable", err)
}
func backpressureError() error {
	return appErrors.New(CodeBackpressure, "broker-send concurrency exhausted", nil)
}
func recallWindowError() error {
	return appErrors.New(CodeRecallWindow, "recall window exceeded", nil)
}

// isBrokerPermanent reports whether err came back 4xx-shaped from the
// broker adapter.
func isBrokerPermanent(err error) bool {
	return appErrors.Code(err) == appErrors.CodeInvalidArgument
}
