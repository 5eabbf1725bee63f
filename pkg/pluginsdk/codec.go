// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/holomush/plughost/pkg/plugin"
)

// toStruct encodes a JSON-tagged Go value as a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T as object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct for %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged Go value.
func fromStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}

// Description is what a binary plugin reports about itself at load time.
type Description struct {
	Capabilities []string       `json:"capabilities"`
	MessageTypes []string       `json:"message_types,omitempty"`
	PlatformType string         `json:"platform_type,omitempty"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
}

type lifecycleRequest struct {
	Op     string         `json:"op"`
	Config map[string]any `json:"config,omitempty"`
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type messageExchange struct {
	Message *plugin.MessageContext `json:"message"`
	Result  *plugin.ProcessResult  `json:"result,omitempty"`
}
