package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Strategies depend on this rather than *Client so they stay testable
// without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Parameter names relative to the deployment prefix.
const (
	EnableAuthenticationParam = "/config/enable_authentication"
	ModelParam                = "/config/model"
	SystemPromptParam         = "/system_prompt"
	OpenAITokenParam          = "/open-ai-token"
	AnthropicTokenParam       = "/anthropic-token"
)

// Settings are the runtime switches read once at cold start.
type Settings struct {
	EnableAuthentication bool
	Model                string
	SystemPrompt         string
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetParameters fetches several parameters in one call. Names SSM does not
// know are simply absent from the result.
func (c *Client) GetParameters(ctx context.Context, names ...string) (map[string]string, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	if len(names) == 0 {
		return map[string]string{}, nil
	}

	withDecryption := true
	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          names,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("paramstore: get parameters: %w", err)
	}
	values := make(map[string]string, len(names))
	if out == nil {
		return values, nil
	}
	for _, p := range out.Parameters {
		if p.Name == nil || p.Value == nil {
			continue
		}
		values[*p.Name] = *p.Value
	}
	return values, nil
}

// LoadSettings reads the runtime settings under prefix. Missing parameters
// keep their zero value; an unparsable authentication flag is an error.
func (c *Client) LoadSettings(ctx context.Context, prefix string) (Settings, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	authName := prefix + EnableAuthenticationParam
	modelName := prefix + ModelParam
	promptName := prefix + SystemPromptParam

	values, err := c.GetParameters(ctx, authName, modelName, promptName)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if raw, ok := values[authName]; ok && strings.TrimSpace(raw) != "" {
		s.EnableAuthentication, err = strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Settings{}, fmt.Errorf("paramstore: parse %q: %w", authName, err)
		}
	}
	s.Model = strings.TrimSpace(values[modelName])
	s.SystemPrompt = values[promptName]
	return s, nil
}

// tokenPayload is the JSON shape stored in SSM for provider API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// GetToken reads a provider token parameter and unwraps its JSON payload.
func GetToken(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}
