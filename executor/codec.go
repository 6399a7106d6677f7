package executor

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/LinjingBi/code-agent/agentloop"
)

// Messages of the code_executor.CodeExecutor service, encoded by hand with
// protowire so no generated code is needed. Field numbers match
// code_executor.proto:
//
//	message CodeExecutionRequest  { string code = 1; }
//	message CodeExecutionResponse { string output = 1; string error = 2; int32 exit_code = 3; }
//	message ToolInput             { string type = 1; string description = 2; }
//	message Tool                  { string name = 1; string description = 2; string output_type = 3; map<string, ToolInput> inputs = 4; }
//	message GetToolListResponse   { repeated Tool tools = 1; }

type wireMessage interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// CodeExecutionRequest asks the executor to run code.
type CodeExecutionRequest struct {
	Code string
}

func (m *CodeExecutionRequest) marshal() []byte {
	return appendString(nil, 1, m.Code)
}

func (m *CodeExecutionRequest) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.Code = v
			return n, nil
		}
		return skipField, nil
	})
}

// CodeExecutionResponse is the (output, error, exit_code) triple.
type CodeExecutionResponse struct {
	Output   string
	Error    string
	ExitCode int32
}

func (m *CodeExecutionResponse) marshal() []byte {
	b := appendString(nil, 1, m.Output)
	b = appendString(b, 2, m.Error)
	if m.ExitCode != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.ExitCode)))
	}
	return b
}

func (m *CodeExecutionResponse) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Output = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Error = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.ExitCode = int32(v)
			return n, nil
		}
		return skipField, nil
	})
}

// Empty is google.protobuf.Empty.
type Empty struct{}

func (*Empty) marshal() []byte { return nil }

func (*Empty) unmarshal(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return skipField, nil })
}

// GetToolListResponse lists the tools available to executed code.
type GetToolListResponse struct {
	Tools []agentloop.ToolDescriptor
}

func (m *GetToolListResponse) marshal() []byte {
	var b []byte
	for _, t := range m.Tools {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTool(t))
	}
	return b
}

func (m *GetToolListResponse) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalTool(v)
			if err != nil {
				return 0, err
			}
			m.Tools = append(m.Tools, t)
			return n, nil
		}
		return skipField, nil
	})
}

func marshalTool(t agentloop.ToolDescriptor) []byte {
	b := appendString(nil, 1, t.Name)
	b = appendString(b, 2, t.Description)
	b = appendString(b, 3, t.OutputType)

	// Map entries are emitted in key order so encoding is deterministic.
	keys := make([]string, 0, len(t.Inputs))
	for k := range t.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		in := t.Inputs[k]
		value := appendString(nil, 1, in.Type)
		value = appendString(value, 2, in.Description)

		entry := appendString(nil, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, value)

		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func unmarshalTool(b []byte) (agentloop.ToolDescriptor, error) {
	t := agentloop.ToolDescriptor{Inputs: map[string]agentloop.ToolInput{}}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		switch num {
		case 1, 2, 3:
			v, n := protowire.ConsumeString(b)
			switch num {
			case 1:
				t.Name = v
			case 2:
				t.Description = v
			case 3:
				t.OutputType = v
			}
			return n, nil
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			key, in, err := unmarshalInputEntry(v)
			if err != nil {
				return 0, err
			}
			t.Inputs[key] = in
			return n, nil
		}
		return skipField, nil
	})
	return t, err
}

func unmarshalInputEntry(b []byte) (string, agentloop.ToolInput, error) {
	var key string
	var in agentloop.ToolInput
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField, nil
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			return n, consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType || (num != 1 && num != 2) {
					return skipField, nil
				}
				s, n := protowire.ConsumeString(b)
				if num == 1 {
					in.Type = s
				} else {
					in.Description = s
				}
				return n, nil
			})
		}
		return skipField, nil
	})
	return key, in, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// skipField is returned by a field callback for fields it does not handle.
// protowire reports errors as small negative numbers, so it must not be -1.
const skipField = -1 << 30

// consumeFields walks every field in b. fn returns the number of bytes it
// consumed for a known field, or skipField.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// codec is a gRPC codec for the hand-encoded messages above. It registers
// under the "proto" content subtype so it interoperates with generated
// clients and servers.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("executor codec: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("executor codec: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}
