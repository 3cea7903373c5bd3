package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/models"
)

func TestContextWriteOnce(t *testing.T) {
	c := NewContext(models.Message{})

	require.NoError(t, c.SetAuthParams(models.AuthParams{OrganizationID: "org-1"}))
	err := c.SetAuthParams(models.AuthParams{OrganizationID: "org-2"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already set")
	require.Equal(t, "org-1", c.AuthParams().OrganizationID)

	require.NoError(t, c.SetOrgParams(models.OrgParams{ID: "org-1"}))
	require.Error(t, c.SetOrgParams(models.OrgParams{ID: "org-2"}))

	require.NoError(t, c.SetUsage(models.Usage{}))
	require.Error(t, c.SetUsage(models.Usage{}))

	require.NoError(t, c.SetRawLog(RawLog{RequestBody: "{}"}))
	require.Error(t, c.SetRawLog(RawLog{}))

	require.NoError(t, c.SetProcessedRequest(ProcessedBody{Body: "{}"}))
	require.Error(t, c.SetProcessedRequest(ProcessedBody{}))

	require.NoError(t, c.SetProcessedResponse(ProcessedBody{Body: "{}"}))
	require.Error(t, c.SetProcessedResponse(ProcessedBody{}))

	require.NoError(t, c.SetModel("gpt-4o"))
	require.Error(t, c.SetModel("gpt-4o-mini"))
	require.Equal(t, "gpt-4o", c.Model())
}

func TestContextModelResolution(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		c := NewContext(models.Message{Meta: models.LogMeta{ModelOverride: "override-model"}})
		require.NoError(t, c.SetProcessedResponse(ProcessedBody{Model: "response-model"}))
		require.Equal(t, "override-model", c.Model())
	})

	t.Run("response beats request", func(t *testing.T) {
		c := NewContext(models.Message{})
		require.NoError(t, c.SetProcessedRequest(ProcessedBody{Model: "request-model"}))
		require.NoError(t, c.SetProcessedResponse(ProcessedBody{Model: "response-model"}))
		require.Equal(t, "response-model", c.Model())
	})

	t.Run("request is the fallback", func(t *testing.T) {
		c := NewContext(models.Message{})
		require.NoError(t, c.SetProcessedRequest(ProcessedBody{Model: "request-model"}))
		require.NoError(t, c.SetProcessedResponse(ProcessedBody{}))
		require.Equal(t, "request-model", c.Model())
	})
}
