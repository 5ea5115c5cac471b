package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// Client envelope vocabulary
const (
	TypeConversationItemCreate = "conversation.item.create"

	ItemTypeMessage       = "message"
	RoleUser              = "user"
	ContentTypeInputAudio = "input_audio"
)

var (
	ErrMalformed       = errors.New("malformed envelope")
	ErrUnknownEnvelope = errors.New("unknown envelope type")
	ErrInvalidItem     = errors.New("invalid conversation item")
)

// strict rejects any field outside the closed client envelope shape, keys
// included: "TYPE" is not "type".
var strict = sonic.Config{
	DisallowUnknownFields: true,
	CaseSensitive:         true,
	ValidateString:        true,
}.Froze()

// ConversationItemCreate is the only envelope a client may send. It carries
// one user message made of base64 PCM16 audio parts.
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is the inner "item" object
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart holds one base64-encoded audio buffer
type ContentPart struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewConversationItemCreate wraps base64 PCM audio in a client envelope
func NewConversationItemCreate(audioB64 string) *ConversationItemCreate {
	return &ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type: ItemTypeMessage,
			Role: RoleUser,
			Content: []ContentPart{
				{Type: ContentTypeInputAudio, Audio: audioB64},
			},
		},
	}
}

// Marshal encodes the envelope as a JSON text frame
func (m *ConversationItemCreate) Marshal() ([]byte, error) {
	return sonic.Marshal(m)
}

// ParseClientEnvelope decodes and validates a client frame. Anything that is
// not a well-formed conversation.item.create is rejected; the caller forwards
// the original bytes, never a re-encoding.
func ParseClientEnvelope(data []byte) (*ConversationItemCreate, error) {
	var env ConversationItemCreate
	if err := strict.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := rejectDuplicateKeys(data); err != nil {
		return nil, err
	}
	if env.Type != TypeConversationItemCreate {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, env.Type)
	}
	if err := env.Item.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (it *ConversationItem) validate() error {
	if it.Type != ItemTypeMessage {
		return fmt.Errorf("%w: item type %q", ErrInvalidItem, it.Type)
	}
	if it.Role != RoleUser {
		return fmt.Errorf("%w: role %q", ErrInvalidItem, it.Role)
	}
	if len(it.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidItem)
	}
	for i, part := range it.Content {
		if part.Type != ContentTypeInputAudio {
			return fmt.Errorf("%w: content[%d] type %q", ErrInvalidItem, i, part.Type)
		}
		if part.Audio == "" {
			return fmt.Errorf("%w: content[%d] has no audio", ErrInvalidItem, i)
		}
		if _, err := base64.StdEncoding.DecodeString(part.Audio); err != nil {
			return fmt.Errorf("%w: content[%d] audio is not base64", ErrInvalidItem, i)
		}
	}
	return nil
}

// rejectDuplicateKeys fails when any object in data repeats a key. The
// decoder keeps the last value while the upstream may read the first, and
// accepted frames are forwarded as sent.
func rejectDuplicateKeys(data []byte) error {
	root, err := sonic.Get(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return scanKeys(&root)
}

func scanKeys(node *ast.Node) error {
	var found error
	switch node.TypeSafe() {
	case ast.V_OBJECT:
		seen := make(map[string]struct{})
		err := node.ForEach(func(path ast.Sequence, child *ast.Node) bool {
			key := *path.Key
			if _, dup := seen[key]; dup {
				found = fmt.Errorf("%w: duplicate key %q", ErrMalformed, key)
				return false
			}
			seen[key] = struct{}{}
			found = scanKeys(child)
			return found == nil
		})
		if err != nil && found == nil {
			found = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case ast.V_ARRAY:
		err := node.ForEach(func(_ ast.Sequence, child *ast.Node) bool {
			found = scanKeys(child)
			return found == nil
		})
		if err != nil && found == nil {
			found = fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return found
}
