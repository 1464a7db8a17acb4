package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"intake-router/internal/domain"
)

const (
	tenantPKPrefix = "TENANT#"
	orgPKPrefix    = "ORG#"
	skMeta         = "META"
)

// TenantClient reads tenant records from the shared state table. Each tenant
// is stored once under its inbound address and once under an org-type index
// partition whose sort key is creation time, which gives the fallback lookup a
// stable, documented order.
type TenantClient struct {
	api       dynamodbAPI
	tableName string
}

// NewTenantClient creates a TenantClient.
func NewTenantClient(api dynamodbAPI, tableName string) (*TenantClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &TenantClient{api: api, tableName: tableName}, nil
}

func tenantPK(address string) string {
	return tenantPKPrefix + address
}

func orgPK(orgType string) string {
	return orgPKPrefix + orgType
}

func orgSK(createdAt time.Time, tenantID string) string {
	return keyTime(createdAt) + "#" + tenantID
}

// GetByAddress looks up the enabled tenant owning the exact inbound address.
// Returns domain.ErrTenantNotFound on a miss or a disabled tenant.
func (c *TenantClient) GetByAddress(ctx context.Context, address string) (domain.Tenant, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: tenantPK(address)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetByAddress get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}

	tenant, err := itemToTenant(out.Item)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: GetByAddress decode: %w", err)
	}
	if !tenant.Enabled {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return tenant, nil
}

// FirstEnabled returns the oldest enabled tenant of the given org type. This
// backs the routing fallback when no address matches; it can hand a message to
// a tenant that does not own the recipient address, which is a deliberate
// soft-landing for misconfigured routing. Leave the org index unseeded to
// disable it.
func (c *TenantClient) FirstEnabled(ctx context.Context, orgType string) (domain.Tenant, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("enabled = :enabled"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      &types.AttributeValueMemberS{Value: orgPK(orgType)},
			":enabled": &types.AttributeValueMemberBOOL{Value: true},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: FirstEnabled query: %w", err)
	}
	if len(out.Items) == 0 {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}

	tenant, err := itemToTenant(out.Items[0])
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("repository: FirstEnabled decode: %w", err)
	}
	return tenant, nil
}

// Put writes the tenant record and its org-index entry. Used by seeding and
// admin tooling, not by the request path.
func (c *TenantClient) Put(ctx context.Context, tenant domain.Tenant) error {
	if tenant.ID == "" || tenant.Address == "" {
		return errors.New("repository: Put: tenant id and address are required")
	}

	item := tenantItem(tenant)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Put tenant: %w", err)
	}

	indexItem := tenantItem(tenant)
	indexItem["PK"] = &types.AttributeValueMemberS{Value: orgPK(tenant.OrgType)}
	indexItem["SK"] = &types.AttributeValueMemberS{Value: orgSK(tenant.CreatedAt, tenant.ID)}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      indexItem,
	})
	if err != nil {
		return fmt.Errorf("repository: Put tenant org index: %w", err)
	}
	return nil
}

func tenantItem(tenant domain.Tenant) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: tenantPK(tenant.Address)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"tenantId":  &types.AttributeValueMemberS{Value: tenant.ID},
		"name":      &types.AttributeValueMemberS{Value: tenant.Name},
		"address":   &types.AttributeValueMemberS{Value: tenant.Address},
		"orgType":   &types.AttributeValueMemberS{Value: tenant.OrgType},
		"enabled":   &types.AttributeValueMemberBOOL{Value: tenant.Enabled},
		"createdAt": &types.AttributeValueMemberS{Value: tenant.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToTenant(item map[string]types.AttributeValue) (domain.Tenant, error) {
	id, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Tenant{}, err
	}
	name, err := optStrAttr(item, "name")
	if err != nil {
		return domain.Tenant{}, err
	}
	address, err := strAttr(item, "address")
	if err != nil {
		return domain.Tenant{}, err
	}
	orgType, err := optStrAttr(item, "orgType")
	if err != nil {
		return domain.Tenant{}, err
	}
	enabled, err := boolAttr(item, "enabled")
	if err != nil {
		return domain.Tenant{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Tenant{}, err
	}
	return domain.Tenant{
		ID:        id,
		Name:      name,
		Address:   address,
		OrgType:   orgType,
		Enabled:   enabled,
		CreatedAt: createdAt,
	}, nil
}
