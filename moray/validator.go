package moray

import (
	"context"
	"fmt"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
)

const storageNodeBucket = "manta_storage"

type (
	findClient interface {
		FindObjects(ctx context.Context, bucket string, filter string, each func(*fastjson.Value) error) error
		Close() error
	}

	// Validator confirms each target shark is registered in the storage
	// node bucket before a run begins. A typo'd shark name would otherwise
	// scan every shard and match nothing.
	Validator struct {
		addr   string
		dial   func(ctx context.Context) (findClient, error)
		logger *zap.Logger
	}
)

// NewValidator checks sharks against the storage node bucket served at addr,
// conventionally shard 1's metadata service.
func NewValidator(addr string, logger *zap.Logger) *Validator {
	return &Validator{
		addr: addr,
		dial: func(ctx context.Context) (findClient, error) {
			return dialClient(ctx, addr, logger)
		},
		logger: logger,
	}
}

// Validate fails when any shark is unknown to the storage node bucket or,
// worse, registered more than once.
func (v *Validator) Validate(ctx context.Context, sharks []string) error {
	client, err := v.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			v.logger.Debug("failed to close moray connection", zap.Error(err))
		}
	}()

	for _, shark := range sharks {
		count := 0
		filter := fmt.Sprintf("manta_storage_id=%s", shark)
		err := client.FindObjects(ctx, storageNodeBucket, filter, func(*fastjson.Value) error {
			count++
			return nil
		})
		if err != nil {
			return err
		}
		switch {
		case count == 0:
			return common.NewValidationError(shark, "no shark by that name found")
		case count > 1:
			return common.NewValidationError(shark, "more than one shark by that name found")
		}
		v.logger.Debug("shark validated", zap.String("shark", shark))
	}
	return nil
}
