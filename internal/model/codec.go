/* Copyright 2025 FastPing.It
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vmihailenco/msgpack/v5"
)

var validate = validator.New()

// Records are stored msgpack-encoded and validated again on the way out.
// Anything that fails validation after decoding is treated as corrupt
// rather than handed to the admission path.

func Encode(record interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decodeInto(data []byte, record interface{}) error {
	if err := msgpack.Unmarshal(data, record); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("decoded record is invalid: %w", err)
	}
	return nil
}

func DecodeWhitelistEntry(data []byte) (*WhitelistEntry, error) {
	entry := &WhitelistEntry{}
	if err := decodeInto(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func DecodePoolEntry(data []byte) (*ResourcePoolEntry, error) {
	entry := &ResourcePoolEntry{}
	if err := decodeInto(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func DecodeAllocation(data []byte) (*ResourceAllocation, error) {
	allocation := &ResourceAllocation{}
	if err := decodeInto(data, allocation); err != nil {
		return nil, err
	}
	return allocation, nil
}

func DecodeRateWindow(data []byte) (*RateWindow, error) {
	window := &RateWindow{}
	if err := decodeInto(data, window); err != nil {
		return nil, err
	}
	return window, nil
}

func DecodeUsageRecord(data []byte) (*UsageRecord, error) {
	record := &UsageRecord{}
	if err := decodeInto(data, record); err != nil {
		return nil, err
	}
	return record, nil
}
