package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"vibe-trader/internal/config"
)

// Source 产生交易决策。决策被视为不可信输入，执行前仍需经过风控闸门。
type Source interface {
	Decide(ctx context.Context, pc PromptContext) ([]Decision, error)
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装 OpenAI 兼容接口的调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    chatCompleter
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	sdkCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkCfg),
	}, nil
}

// Decide 渲染提示词、调用模型并解析决策，结构非法的决策会被丢弃。
func (c *Client) Decide(ctx context.Context, pc PromptContext) ([]Decision, error) {
	prompt, err := BuildPrompt(pc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return nil, fmt.Errorf("调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI 返回结果为空")
	}

	raw := strings.TrimSpace(response.Choices[0].Message.Content)
	if raw == "" {
		return nil, errors.New("OpenAI 返回内容为空")
	}

	decisions, err := ParseDecisions(raw)
	if err != nil {
		c.logger.Error("解析模型决策失败", zap.Error(err), zap.String("raw_content", raw))
		return nil, err
	}

	valid := decisions[:0]
	for _, d := range decisions {
		if err := d.Validate(); err != nil {
			c.logger.Warn("丢弃非法决策", zap.String("symbol", d.Symbol), zap.Error(err))
			continue
		}
		valid = append(valid, d)
	}

	c.logger.Info("AI 决策生成成功",
		zap.Int("decisions", len(valid)),
		zap.Int("dropped", len(decisions)-len(valid)),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", response.Usage.TotalTokens),
	)
	return valid, nil
}

// ParseDecisions 从模型输出中提取 JSON，支持 {"decisions": [...]}、单个决策对象或决策数组。
func ParseDecisions(content string) ([]Decision, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	if payload[0] == '[' {
		var list []Decision
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, fmt.Errorf("解析决策JSON失败: %w", err)
		}
		return list, nil
	}

	var envelope struct {
		DecisionEnvelope
		Action *Action `json:"action"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("解析决策JSON失败: %w", err)
	}
	if envelope.Decisions != nil || envelope.Action == nil {
		return envelope.Decisions, nil
	}

	var single Decision
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("解析决策JSON失败: %w", err)
	}
	return []Decision{single}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.IndexAny(content, "{[")
	if start == -1 {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	closing := "}"
	if content[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(content, closing)
	if end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
