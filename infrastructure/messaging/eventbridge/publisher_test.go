package eventbridge

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mindmap-history/domain/events"
	pkgerrors "mindmap-history/pkg/errors"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*eventbridge.PutEventsOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func appended(n int) []events.DomainEvent {
	out := make([]events.DomainEvent, n)
	for i := range out {
		out[i] = events.NewEventAppended("doc-1", "s0", "e", i, "Edit", 1, "user-1", time.Now())
	}
	return out
}

func TestPublisher_PublishBatch_ChunksByTen(t *testing.T) {
	// Arrange
	ctx := context.Background()
	api := new(mockAPI)
	api.On("PutEvents", ctx, mock.MatchedBy(func(in *eventbridge.PutEventsInput) bool {
		return len(in.Entries) == 10
	})).Return(&eventbridge.PutEventsOutput{}, nil).Once()
	api.On("PutEvents", ctx, mock.MatchedBy(func(in *eventbridge.PutEventsInput) bool {
		return len(in.Entries) == 2 &&
			aws.ToString(in.Entries[0].Source) == Source &&
			aws.ToString(in.Entries[0].DetailType) == events.TypeEventAppended &&
			aws.ToString(in.Entries[0].EventBusName) == "history-bus"
	})).Return(&eventbridge.PutEventsOutput{}, nil).Once()
	p := NewPublisher(api, "history-bus", zap.NewNop())

	// Act
	err := p.PublishBatch(ctx, appended(12))

	// Assert
	require.NoError(t, err)
	api.AssertExpectations(t)
}

func TestPublisher_FailedEntries(t *testing.T) {
	// Arrange
	ctx := context.Background()
	api := new(mockAPI)
	api.On("PutEvents", ctx, mock.Anything).Return(&eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries:          []types.PutEventsResultEntry{{ErrorCode: aws.String("ThrottlingException")}},
	}, nil)
	p := NewPublisher(api, "history-bus", zap.NewNop())

	// Act
	err := p.Publish(ctx, appended(1)[0])

	// Assert
	require.Error(t, err)
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeExternal))
}
