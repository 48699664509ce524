package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vibe-trader/internal/config"
	"vibe-trader/internal/indicator"
	"vibe-trader/internal/position"
)

type fakeCompleter struct {
	content string
	err     error
	prompt  string
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) > 0 {
		f.prompt = req.Messages[0].Content
	}
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: f.content}},
		},
	}, nil
}

func newTestClient(f *fakeCompleter) *Client {
	return &Client{
		cfg:    config.OpenAIConfig{Model: "test", Timeout: time.Second},
		sdk:    f,
		logger: zap.NewNop(),
	}
}

func samplePrompt() PromptContext {
	return PromptContext{
		Timestamp: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
		Account: AccountView{
			AvailableBalance: 9498,
			TotalEquity:      10098,
			ReturnPct:        0.98,
			Positions: []position.Summary{{
				Symbol: "BTCUSDT", Side: position.SideLong, Quantity: 0.1,
				EntryPrice: 50000, MarkPrice: 51000, Leverage: 10, LiquidationPrice: 45500,
				UnrealizedPnL: 100, ROIPercent: 20,
			}},
		},
		Markets: []MarketView{{
			Symbol: "BTCUSDT", Price: 51000,
			Indicators: indicator.Result{Close: 51000, RSI: 61.2, ATRRelative: 0.012},
		}},
		Limits: Limits{MaxPositionSizePct: 0.2, MaxOpenPositions: 3, MinConfidence: 0.75},
	}
}

func TestParseDecisionsFormats(t *testing.T) {
	envelope := "```json\n{\"decisions\":[{\"action\":\"BUY\",\"symbol\":\"BTCUSDT\",\"quantity\":0.01,\"confidence\":0.8}," +
		"{\"action\":\"hold\",\"symbol\":\"ETHUSDT\",\"confidence\":0.5}]}\n```"
	decisions, err := ParseDecisions(envelope)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, ActionBuy, decisions[0].Action)
	assert.Equal(t, ActionHold, decisions[1].Action)

	single, err := ParseDecisions(`思考过程... {"action":"SELL","symbol":"SOLUSDT","quantity":1,"confidence":0.9}`)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, ActionSell, single[0].Action)

	list, err := ParseDecisions(`[{"action":"CLOSE_POSITION","symbol":"BTCUSDT","confidence":1}]`)
	require.NoError(t, err)
	require.Len(t, list, 1)

	empty, err := ParseDecisions(`{"decisions":[]}`)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseDecisions("no json here")
	assert.Error(t, err)
}

func TestClientDecideDropsInvalidDecisions(t *testing.T) {
	f := &fakeCompleter{content: `{"decisions":[
		{"action":"BUY","symbol":"BTCUSDT","quantity":0.01,"confidence":0.8,
		 "exit_plan":{"stop_loss":49000,"invalidation_conditions":"lose 48k"}},
		{"action":"LONG","symbol":"ETHUSDT","confidence":0.8},
		{"action":"SELL","symbol":"","confidence":0.8}
	]}`}
	c := newTestClient(f)

	decisions, err := c.Decide(context.Background(), samplePrompt())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "BTCUSDT", decisions[0].Symbol)

	assert.Contains(t, f.prompt, "BTCUSDT LONG")
	assert.Contains(t, f.prompt, "最多同时持有 3 个仓位")
	assert.Contains(t, f.prompt, "2024-05-01 08:30:00")
}

func TestClientDecideErrors(t *testing.T) {
	c := newTestClient(&fakeCompleter{err: errors.New("rate limited")})
	_, err := c.Decide(context.Background(), samplePrompt())
	assert.ErrorContains(t, err, "rate limited")

	c = newTestClient(&fakeCompleter{content: "   "})
	_, err = c.Decide(context.Background(), samplePrompt())
	assert.Error(t, err)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(config.OpenAIConfig{Model: "gpt"}, nil)
	assert.Error(t, err)
	_, err = NewClient(config.OpenAIConfig{APIKey: "k"}, nil)
	assert.Error(t, err)

	c, err := NewClient(config.OpenAIConfig{APIKey: "k", Model: "gpt", BaseURL: "http://localhost:1"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestBuildPromptWithoutPositions(t *testing.T) {
	pc := samplePrompt()
	pc.Account.Positions = nil
	prompt, err := BuildPrompt(pc)
	require.NoError(t, err)
	assert.Contains(t, prompt, "当前无持仓")
	assert.Contains(t, prompt, `"atr_relative": 0.012`)
	assert.Contains(t, prompt, "20%")
}
