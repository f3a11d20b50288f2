package businessflow

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/app/dto"
	testingutil "github.com/mercatorhq/herald/testing"
)

func newMessageFlow(t *testing.T) (*MessageFlowImpl, *testingutil.Fixtures) {
	t.Helper()
	fx := testingutil.NewFixtures()
	flow := NewMessageFlow(fx.Messages, nil, zerolog.Nop()).(*MessageFlowImpl)
	return flow, fx
}

func TestCreateMessage(t *testing.T) {
	flow, fx := newMessageFlow(t)

	resp, err := flow.CreateMessage(context.Background(), &dto.CreateMessageRequest{
		Title:      "  spring promo  ",
		Body:       "Hi {name}, new offers in {city}",
		Variations: []string{"Hey {name}!", "{name}, check this out"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.UUID)
	assert.NotEmpty(t, resp.CreatedAt)

	stored, err := fx.Messages.ByUUID(context.Background(), resp.UUID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "spring promo", stored.Title, "titles are stored trimmed")
	assert.Equal(t, "Hi {name}, new offers in {city}", stored.Body)
	assert.Len(t, stored.Variations, 2)
	assert.True(t, stored.Active)
}

func TestCreateMessageValidation(t *testing.T) {
	cases := []struct {
		name  string
		req   dto.CreateMessageRequest
		check func(error) bool
	}{
		{"BlankTitle", dto.CreateMessageRequest{Title: "   ", Body: "hello"}, IsMessageTitleRequired},
		{"BlankBody", dto.CreateMessageRequest{Title: "t", Body: " "}, IsMessageBodyRequired},
		{"BlankVariation", dto.CreateMessageRequest{Title: "t", Body: "b", Variations: []string{"ok", "  "}}, IsMessageBodyRequired},
		{"TooManyVariations", dto.CreateMessageRequest{
			Title:      "t",
			Body:       "b",
			Variations: []string{"a", "b", "c", "d", "e", "f"},
		}, IsTooManyVariations},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow, _ := newMessageFlow(t)
			_, err := flow.CreateMessage(context.Background(), &tc.req, nil)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error: %v", err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestListMessages(t *testing.T) {
	flow, fx := newMessageFlow(t)

	for _, title := range []string{"one", "two", "three"} {
		_, err := fx.CreateTestMessage(title, "body "+title)
		require.NoError(t, err)
	}
	inactive, err := fx.CreateTestMessage("retired", "old body")
	require.NoError(t, err)
	inactive.Active = false
	require.NoError(t, fx.Messages.Save(context.Background(), inactive))

	resp, err := flow.ListMessages(context.Background(), &dto.ListMessagesRequest{Page: 1, Limit: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 2)
	assert.Equal(t, int64(3), resp.Pagination.Total, "inactive messages are not listed")
	assert.Equal(t, 2, resp.Pagination.TotalPages)

	second, err := flow.ListMessages(context.Background(), &dto.ListMessagesRequest{Page: 2, Limit: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)

	titles := make([]string, 0, 3)
	for _, item := range append(resp.Items, second.Items...) {
		titles = append(titles, item.Title)
		assert.True(t, item.Active)
		assert.False(t, strings.EqualFold(item.Title, "retired"))
	}
	assert.ElementsMatch(t, []string{"one", "two", "three"}, titles)
}

func TestListMessagesDefaults(t *testing.T) {
	flow, fx := newMessageFlow(t)
	_, err := fx.CreateTestMessage("solo", "body")
	require.NoError(t, err)

	resp, err := flow.ListMessages(context.Background(), &dto.ListMessagesRequest{}, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 1)
	assert.Equal(t, 1, resp.Pagination.Page)
	assert.Equal(t, 10, resp.Pagination.Limit, "zero limit falls back to the default page size")
}
