package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

// ListRecords fetches the full list of a kind.
func ListRecords[T any](ctx context.Context, requester Requester, kind catalog.Kind) ([]T, error) {
	path := kind.Endpoint()
	response, err := requester.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := response.Err(http.MethodGet, path); err != nil {
		return nil, err
	}
	records := make([]T, 0)
	if err := response.JSON(&records); err != nil {
		return nil, fmt.Errorf("api: decode %s list: %w", kind, err)
	}
	return records, nil
}

// CreateRecord POSTs record to the kind endpoint and returns the canonical server record.
func CreateRecord[T any](ctx context.Context, requester Requester, kind catalog.Kind, record T) (T, error) {
	return sendRecord[T](ctx, requester, http.MethodPost, kind.Endpoint(), record)
}

// UpdateRecord PUTs record to the instance path. The image field is never sent on update.
func UpdateRecord[T any](ctx context.Context, requester Requester, kind catalog.Kind, id catalog.ID, record T) (T, error) {
	var zero T
	payload, err := json.Marshal(record)
	if err != nil {
		return zero, fmt.Errorf("api: encode %s: %w", kind, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return zero, fmt.Errorf("api: encode %s: %w", kind, err)
	}
	delete(fields, "image")
	return sendRecord[T](ctx, requester, http.MethodPut, kind.InstancePath(id), fields)
}

// DeleteRecord removes a server record.
func DeleteRecord(ctx context.Context, requester Requester, kind catalog.Kind, id catalog.ID) error {
	path := kind.InstancePath(id)
	response, err := requester.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return response.Err(http.MethodDelete, path)
}

func sendRecord[T any](ctx context.Context, requester Requester, method, path string, body any) (T, error) {
	var zero T
	response, err := requester.Do(ctx, method, path, body)
	if err != nil {
		return zero, err
	}
	if err := response.Err(method, path); err != nil {
		return zero, err
	}
	var record T
	if err := response.JSON(&record); err != nil {
		return zero, fmt.Errorf("api: decode %s %s response: %w", method, path, err)
	}
	return record, nil
}
