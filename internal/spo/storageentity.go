package spo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spoctl/internal/csom"
	"spoctl/internal/logging"
)

// TenantTypeID identifies Microsoft.Online.SharePoint.TenantAdministration.Tenant.
var TenantTypeID = uuid.MustParse("268004ae-ef6b-4e9b-8425-127220d84719")

// TokenProvider supplies bearer tokens for a resource (scheme://host).
type TokenProvider interface {
	EnsureAccessToken(ctx context.Context, resource string) (string, error)
}

// StorageEntity is a tenant property stored on an app catalog.
type StorageEntity struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Comment     string `json:"comment"`
}

// StorageEntityRequest carries the arguments of a set operation.
type StorageEntityRequest struct {
	AppCatalogURL string `flag:"appCatalogUrl" validate:"required,absurl"`
	Key           string `flag:"key" validate:"required"`
	Value         string `flag:"value" validate:"required"`
	Description   string `flag:"description"`
	Comment       string `flag:"comment"`
}

type storageEntityKey struct {
	AppCatalogURL string `flag:"appCatalogUrl" validate:"required,absurl"`
	Key           string `flag:"key" validate:"required"`
}

type appCatalog struct {
	AppCatalogURL string `flag:"appCatalogUrl" validate:"required,absurl"`
}

// StorageEntitiesConfig configures StorageEntities.
type StorageEntitiesConfig struct {
	// ApplicationName is sent in every CSOM request.
	ApplicationName string
	// AdminURL overrides the admin site derived from the app catalog URL.
	AdminURL string
	Logger   *zap.Logger
}

// StorageEntities reads and writes tenant storage entities.
type StorageEntities struct {
	client   *Client
	tokens   TokenProvider
	appName  string
	adminURL string
	logger   *zap.Logger
}

// NewStorageEntities creates the storage entity service.
func NewStorageEntities(client *Client, tokens TokenProvider, cfg StorageEntitiesConfig) *StorageEntities {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageEntities{
		client:   client,
		tokens:   tokens,
		appName:  cfg.ApplicationName,
		adminURL: strings.TrimRight(cfg.AdminURL, "/"),
		logger:   logging.For(logger, logging.CategoryCLI),
	}
}

// Set creates or overwrites a storage entity. Input is validated before any
// network call.
func (s *StorageEntities) Set(ctx context.Context, req StorageEntityRequest) error {
	if err := validateInput(req); err != nil {
		return err
	}
	s.logger.Info("Setting storage entity",
		zap.String("key", req.Key),
		zap.String("app_catalog", req.AppCatalogURL))

	return s.invoke(ctx, req.AppCatalogURL, "SetStorageEntity",
		csom.String(req.Key),
		csom.String(req.Value),
		csom.String(req.Description),
		csom.String(req.Comment))
}

// Remove deletes a storage entity.
func (s *StorageEntities) Remove(ctx context.Context, appCatalogURL, key string) error {
	if err := ValidateKey(appCatalogURL, key); err != nil {
		return err
	}
	s.logger.Info("Removing storage entity",
		zap.String("key", key),
		zap.String("app_catalog", appCatalogURL))

	return s.invoke(ctx, appCatalogURL, "RemoveStorageEntity", csom.String(key))
}

// invoke calls method on the root web of the app catalog site through the
// tenant administration object.
func (s *StorageEntities) invoke(ctx context.Context, appCatalogURL, method string, params ...csom.Param) error {
	siteURL, err := s.siteURL(appCatalogURL)
	if err != nil {
		return err
	}
	token, err := s.token(ctx, siteURL)
	if err != nil {
		return err
	}

	request := csom.NewRequest(s.appName)
	tenant := request.Constructor(TenantTypeID)
	site := request.Method(tenant, "GetSiteByUrl", csom.String(appCatalogURL))
	web := request.Property(site, "RootWeb")
	request.Call(web, method, params...)

	_, err = s.client.Execute(ctx, siteURL, token, request)
	var spoErr *Error
	if errors.As(err, &spoErr) && spoErr.Kind == KindRemote {
		spoErr.Op = method
		if strings.Contains(spoErr.Message, "Access denied.") {
			spoErr.Hints = append(spoErr.Hints, AccessDeniedHint)
		}
	}
	return err
}

// Get reads one storage entity. A missing key yields an error matching
// ErrNotFound.
func (s *StorageEntities) Get(ctx context.Context, appCatalogURL, key string) (*StorageEntity, error) {
	if err := ValidateKey(appCatalogURL, key); err != nil {
		return nil, err
	}
	token, err := s.token(ctx, appCatalogURL)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Null        bool   `json:"odata.null"`
		Value       string `json:"Value"`
		Description string `json:"Description"`
		Comment     string `json:"Comment"`
	}
	rawURL := joinURL(appCatalogURL, "/_api/web/GetStorageEntity(key=@k)?@k="+odataString(key))
	if err := s.client.GetJSON(ctx, "GetStorageEntity", rawURL, token, &resp); err != nil {
		return nil, err
	}
	if resp.Null {
		return nil, fmt.Errorf("storage entity %q: %w", key, ErrNotFound)
	}
	return &StorageEntity{
		Key:         key,
		Value:       resp.Value,
		Description: resp.Description,
		Comment:     resp.Comment,
	}, nil
}

// List returns every storage entity of the app catalog, sorted by key.
func (s *StorageEntities) List(ctx context.Context, appCatalogURL string) ([]StorageEntity, error) {
	if err := validateInput(appCatalog{AppCatalogURL: appCatalogURL}); err != nil {
		return nil, err
	}
	token, err := s.token(ctx, appCatalogURL)
	if err != nil {
		return nil, err
	}

	const op = "AllProperties"
	var resp struct {
		Index string `json:"storageentitiesindex"`
	}
	rawURL := joinURL(appCatalogURL, "/_api/web/AllProperties?$select=storageentitiesindex")
	if err := s.client.GetJSON(ctx, op, rawURL, token, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Index) == "" {
		return []StorageEntity{}, nil
	}

	var index map[string]struct {
		Value       string `json:"Value"`
		Description string `json:"Description"`
		Comment     string `json:"Comment"`
	}
	if err := json.Unmarshal([]byte(resp.Index), &index); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Message: "storageentitiesindex is not valid JSON", Err: err}
	}

	out := make([]StorageEntity, 0, len(index))
	for k, v := range index {
		out = append(out, StorageEntity{Key: k, Value: v.Value, Description: v.Description, Comment: v.Comment})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *StorageEntities) siteURL(appCatalogURL string) (string, error) {
	if s.adminURL != "" {
		return s.adminURL, nil
	}
	admin, err := AdminURL(appCatalogURL)
	if err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	return admin, nil
}

func (s *StorageEntities) token(ctx context.Context, siteURL string) (string, error) {
	resource, err := resourceOf(siteURL)
	if err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	token, err := s.tokens.EnsureAccessToken(ctx, resource)
	if err != nil {
		return "", &Error{
			Kind:    KindAuth,
			Op:      "token",
			Err:     err,
			Message: err.Error(),
			Hints:   []string{"Run 'spo login' or set SPO_ACCESS_TOKEN"},
		}
	}
	return token, nil
}
