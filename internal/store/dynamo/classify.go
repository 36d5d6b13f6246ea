package dynamo

import (
	"context"
	"errors"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// classify maps a DynamoDB SDK error onto the store error taxonomy.
// The SDK has already retried throttling by the time an error reaches here,
// so throttling stays transient and the engine backs off further.
func classify(err error) entity.Class {
	if err == nil {
		return entity.ClassNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return entity.ClassTransient
	}

	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		notFound   *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &internal):
		return entity.ClassTransient
	case errors.As(err, &notFound):
		return entity.ClassFatal
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "RequestTimeout":
			return entity.ClassTransient
		case "AccessDeniedException", "UnrecognizedClientException",
			"InvalidSignatureException", "ValidationException", "SerializationException":
			return entity.ClassFatal
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return entity.ClassTransient
		}
		return entity.ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return entity.ClassTransient
	}

	return entity.ClassOf(err)
}
