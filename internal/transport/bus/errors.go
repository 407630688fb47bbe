package bus

import (
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/orders/internal/domain"
	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
)

const internalMessage = "Check logs"

// replayedError возвращает сохранённый ответ с ошибкой для повторного
// запроса с тем же idempotency-key.
type replayedError struct {
	reply kafka.ReplyError
}

func (e *replayedError) Error() string { return e.reply.Message }

// MapError переводит ошибку обработчика в тело error-конверта.
func MapError(err error, correlationID string) kafka.ReplyError {
	var replayed *replayedError
	if errors.As(err, &replayed) {
		reply := replayed.reply
		reply.CorrelationID = correlationID
		return reply
	}

	var remote *domain.RemoteError

	switch {
	case errors.Is(err, domain.ErrOrderCreateFailed):
		// Детали (каталог, хранилище) остаются в логах
		return kafka.ReplyError{Status: http.StatusBadRequest, Message: internalMessage, CorrelationID: correlationID}
	case domain.IsValidation(err):
		return kafka.ReplyError{Status: http.StatusBadRequest, Message: err.Error(), CorrelationID: correlationID}
	case domain.IsNotFound(err):
		return kafka.ReplyError{Status: http.StatusNotFound, Message: notFoundMessage(err), CorrelationID: correlationID}
	case errors.Is(err, domain.ErrSettlementConflict),
		errors.Is(err, domain.ErrIdempotencyHashMismatch),
		errors.Is(err, domain.ErrIdempotencyInProgress):
		return kafka.ReplyError{Status: http.StatusConflict, Message: err.Error(), CorrelationID: correlationID}
	case errors.As(err, &remote):
		status := remote.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return kafka.ReplyError{Status: status, Message: remote.Message, CorrelationID: correlationID}
	case errors.Is(err, kafka.ErrUnknownPattern):
		return kafka.ReplyError{Status: http.StatusNotFound, Message: err.Error(), CorrelationID: correlationID}
	default:
		return kafka.ReplyError{Status: http.StatusInternalServerError, Message: internalMessage, CorrelationID: correlationID}
	}
}

func notFoundMessage(err error) string {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	return err.Error()
}
