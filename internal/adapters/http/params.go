package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/kirillkom/invoice-inspector/internal/adapters/authctx"
	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

const maxJSONBody = 1 << 20

// pathID binds the {id} path parameter as a UUID.
func pathID(r *http.Request) (string, error) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", mux.Vars(r)["id"], &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "bind path parameter id", err)
	}
	return id.String(), nil
}

type listDocumentsParams struct {
	Status *string
	Limit  *int
}

func bindListDocumentsParams(r *http.Request) (listDocumentsParams, error) {
	var params listDocumentsParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "status", query, &params.Status); err != nil {
		return params, domain.WrapError(domain.ErrInvalidInput, "bind query parameter status", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		return params, domain.WrapError(domain.ErrInvalidInput, "bind query parameter limit", err)
	}
	return params, nil
}

// decodeJSON reads a JSON body; an empty body is allowed only when optional.
func decodeJSON(r *http.Request, out any, optional bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.WrapError(domain.ErrInvalidInput, "decode request body", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func callerIdentity(r *http.Request) (domain.Identity, error) {
	identity, ok := authctx.Identity(r.Context())
	if !ok {
		return domain.Identity{}, domain.WrapError(domain.ErrUnauthorized, "resolve caller", errors.New("request is not authenticated"))
	}
	return identity, nil
}
