package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Supported action names. The set is closed; anything else is an unknown action.
const (
	ActionCreateUser = "create_user"
	ActionGetUser    = "get_user"
	ActionGetUsers   = "get_users"
	ActionUpdateUser = "update_user"
	ActionDeleteUser = "delete_user"
	ActionCreatePost = "create_post"
	ActionGetPost    = "get_post"
	ActionGetPosts   = "get_posts"
	ActionUpdatePost = "update_post"
	ActionDeletePost = "delete_post"
)

// Pagination defaults applied when a list payload omits or garbles a field.
const (
	DefaultPageNumber = 1
	DefaultPageSize   = 10
)

// Payload is one variant of the request payload union. Action names the variant.
type Payload interface {
	Action() string
}

type CreateUser struct {
	Login        string `json:"Login"`
	PasswordHash string `json:"PasswordHash"`
	LastName     string `json:"LastName"`
	FirstName    string `json:"FirstName"`
}

type GetUser struct {
	UserID uuid.UUID `json:"UserId"`
}

type ListUsers struct {
	PageNumber int `json:"PageNumber"`
	PageSize   int `json:"PageSize"`
}

type UpdateUser struct {
	UserID    uuid.UUID `json:"UserId"`
	Login     string    `json:"Login"`
	LastName  string    `json:"LastName"`
	FirstName string    `json:"FirstName"`
}

type DeleteUser struct {
	UserID uuid.UUID `json:"UserId"`
}

type CreatePost struct {
	Title   string    `json:"Title"`
	Content string    `json:"Content"`
	UserID  uuid.UUID `json:"UserId"`
}

type GetPost struct {
	PostID uuid.UUID `json:"PostId"`
}

type ListPosts struct {
	PageNumber int `json:"PageNumber"`
	PageSize   int `json:"PageSize"`
}

type UpdatePost struct {
	PostID  uuid.UUID `json:"PostId"`
	Title   string    `json:"Title"`
	Content string    `json:"Content"`
}

type DeletePost struct {
	PostID uuid.UUID `json:"PostId"`
}

func (CreateUser) Action() string { return ActionCreateUser }
func (GetUser) Action() string    { return ActionGetUser }
func (ListUsers) Action() string  { return ActionGetUsers }
func (UpdateUser) Action() string { return ActionUpdateUser }
func (DeleteUser) Action() string { return ActionDeleteUser }
func (CreatePost) Action() string { return ActionCreatePost }
func (GetPost) Action() string    { return ActionGetPost }
func (ListPosts) Action() string  { return ActionGetPosts }
func (UpdatePost) Action() string { return ActionUpdatePost }
func (DeletePost) Action() string { return ActionDeletePost }

// UnknownActionError reports an action outside the supported set.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string { return "Unknown action: " + e.Action }

func (e *UnknownActionError) Unwrap() error { return berr.ErrUnknownAction }

// FieldError reports a missing or unusable payload field.
// Err is errors.ErrMissingField or errors.ErrInvalidField.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, berr.ErrMissingField) {
		return "Missing field: " + e.Field
	}

	return "Invalid field: " + e.Field
}

func (e *FieldError) Unwrap() error { return e.Err }

type decodeFunc func(f fields) (Payload, error)

var decoders = map[string]decodeFunc{
	ActionCreateUser: func(f fields) (Payload, error) {
		var p CreateUser

		err := f.strings(
			"Login", &p.Login,
			"PasswordHash", &p.PasswordHash,
			"LastName", &p.LastName,
			"FirstName", &p.FirstName,
		)

		return p, err
	},
	ActionGetUser: func(f fields) (Payload, error) {
		id, err := f.uuid("UserId")
		return GetUser{UserID: id}, err
	},
	ActionGetUsers: func(f fields) (Payload, error) {
		return ListUsers{
			PageNumber: f.int("PageNumber", DefaultPageNumber),
			PageSize:   f.int("PageSize", DefaultPageSize),
		}, nil
	},
	ActionUpdateUser: func(f fields) (Payload, error) {
		var p UpdateUser

		id, err := f.uuid("UserId")
		if err != nil {
			return p, err
		}

		p.UserID = id
		err = f.strings("Login", &p.Login, "LastName", &p.LastName, "FirstName", &p.FirstName)

		return p, err
	},
	ActionDeleteUser: func(f fields) (Payload, error) {
		id, err := f.uuid("UserId")
		return DeleteUser{UserID: id}, err
	},
	ActionCreatePost: func(f fields) (Payload, error) {
		var p CreatePost
		if err := f.strings("Title", &p.Title, "Content", &p.Content); err != nil {
			return p, err
		}

		id, err := f.uuid("UserId")
		p.UserID = id

		return p, err
	},
	ActionGetPost: func(f fields) (Payload, error) {
		id, err := f.uuid("PostId")
		return GetPost{PostID: id}, err
	},
	ActionGetPosts: func(f fields) (Payload, error) {
		return ListPosts{
			PageNumber: f.int("PageNumber", DefaultPageNumber),
			PageSize:   f.int("PageSize", DefaultPageSize),
		}, nil
	},
	ActionUpdatePost: func(f fields) (Payload, error) {
		var p UpdatePost

		id, err := f.uuid("PostId")
		if err != nil {
			return p, err
		}

		p.PostID = id
		err = f.strings("Title", &p.Title, "Content", &p.Content)

		return p, err
	},
	ActionDeletePost: func(f fields) (Payload, error) {
		id, err := f.uuid("PostId")
		return DeletePost{PostID: id}, err
	},
}

// Actions lists the supported action names in lexical order.
func Actions() []string {
	out := make([]string, 0, len(decoders))
	for a := range decoders {
		out = append(out, a)
	}

	sort.Strings(out)

	return out
}

// DecodePayload turns the opaque data of an envelope into the typed variant for action.
// Field names are matched exactly. Errors are *UnknownActionError or *FieldError.
func DecodePayload(action string, data json.RawMessage) (Payload, error) {
	dec, ok := decoders[action]
	if !ok {
		return nil, &UnknownActionError{Action: action}
	}

	f, err := parseFields(data)
	if err != nil {
		return nil, err
	}

	return dec(f)
}

type fields map[string]json.RawMessage

func parseFields(data json.RawMessage) (fields, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fields{}, nil
	}

	var f fields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, &FieldError{Field: "data", Err: fmt.Errorf("%w: %w", berr.ErrInvalidField, err)}
	}

	return f, nil
}

// str reads a required string field. JSON null reads as the empty string.
func (f fields) str(name string) (string, error) {
	raw, ok := f[name]
	if !ok {
		return "", &FieldError{Field: name, Err: berr.ErrMissingField}
	}

	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &FieldError{Field: name, Err: berr.ErrInvalidField}
	}

	return s, nil
}

// strings reads name/destination pairs in order and stops at the first failure.
func (f fields) strings(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		dst, _ := pairs[i+1].(*string)

		v, err := f.str(name)
		if err != nil {
			return err
		}

		*dst = v
	}

	return nil
}

func (f fields) uuid(name string) (uuid.UUID, error) {
	s, err := f.str(name)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &FieldError{Field: name, Err: berr.ErrInvalidField}
	}

	return id, nil
}

// int reads an optional integer given as a JSON number or a numeric string.
func (f fields) int(name string, def int) int {
	raw, ok := f[name]
	if !ok {
		return def
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}

	return def
}
