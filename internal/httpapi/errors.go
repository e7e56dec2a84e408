// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/edgeo-scada/opcua-gateway"
)

// ErrUnknownDatasource indicates a request for a datasource that is not configured.
var ErrUnknownDatasource = errors.New("httpapi: unknown datasource")

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps the gateway error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownDatasource):
		return http.StatusNotFound
	case gateway.IsMalformedQuery(err), errors.Is(err, gateway.ErrInvalidNodeID), errors.Is(err, gateway.ErrInvalidEndpoint):
		return http.StatusBadRequest
	case gateway.IsDuplicateSubscription(err):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case gateway.IsBrowseError(err):
		return http.StatusBadGateway
	case gateway.IsConnectError(err), gateway.IsConnectionLost(err), errors.Is(err, gateway.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// kindOf names the error class reported to clients.
func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDatasource):
		return "UnknownDatasource"
	case errors.Is(err, gateway.ErrSubscriptionNotFound):
		return "SubscriptionNotFound"
	case errors.Is(err, gateway.ErrInvalidNodeID), errors.Is(err, gateway.ErrInvalidEndpoint):
		if !gateway.IsBrowseError(err) {
			return "MalformedQueryError"
		}
	}
	return gateway.ErrorKind(err)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Kind: kindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
