package dynamostore

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/andreyvit/docstore"
)

// retriableCodes are API error codes worth retrying after a delay.
var retriableCodes = map[string]bool{
	"TransactionConflictException":           true,
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
}

func (s *Store) wrap(err error, format string, args ...any) error {
	if c := docstore.Cancelled(err); c != err {
		return c
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && retriableCodes[apiErr.ErrorCode()] {
		return docstore.MarkRetriable(fmt.Errorf("%s: %s: %w", backendName, fmt.Sprintf(format, args...), err))
	}
	return docstore.BackendErrf(backendName, err, format, args...)
}

func isTableMissing(err error) bool {
	var rnf *types.ResourceNotFoundException
	return err != nil && errors.As(err, &rnf)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

func isValidationError(err error) bool {
	var apiErr smithy.APIError
	return err != nil && errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException"
}
