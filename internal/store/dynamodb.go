package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/punchamoorthee/giftledger/internal/domain"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Table names, prefixed per deployment.
const (
	tableDonations     = "donations"
	tableSubscriptions = "subscriptions"
	tableEvents        = "webhook_events"
	tableDeclarations  = "gift_aid_declarations"
	tableCampaigns     = "campaigns"
	tableOrganizations = "organizations"
)

// claimedAtUnix is stored next to the RFC 3339 claimedAt so lease checks compare numbers.
const claimedAtUnix = "claimedAtUnix"

// DynamoStore keeps each collection in its own table keyed by "id".
type DynamoStore struct {
	client DynamoAPI
	prefix string
}

func NewDynamoStore(client DynamoAPI, tablePrefix string) *DynamoStore {
	return &DynamoStore{client: client, prefix: tablePrefix}
}

// NewDynamoStoreFromEnv builds a client from the default AWS credential chain.
// A non-empty endpoint points the client at a local DynamoDB.
func NewDynamoStoreFromEnv(ctx context.Context, region, endpoint, tablePrefix string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(endpoint)
		}
	})
	return NewDynamoStore(client, tablePrefix), nil
}

func (s *DynamoStore) Close() {}

func (s *DynamoStore) table(name string) *string {
	return aws.String(s.prefix + name)
}

func idKey(id string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{"id": &dynamodbtypes.AttributeValueMemberS{Value: id}}
}

func isConditionFailed(err error) bool {
	var ccf *dynamodbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) getItem(ctx context.Context, table, id string, out any) error {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s item: %w", table, err)
	}
	if res.Item == nil {
		return ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s item: %w", table, err)
	}
	return nil
}

// putIfAbsent writes item unless the id already exists; it reports whether it wrote.
func (s *DynamoStore) putIfAbsent(ctx context.Context, table string, v any) (bool, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s item: %w", table, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           s.table(table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to put %s item: %w", table, err)
	}
	return true, nil
}

// --- idempotency ledger ---

func (s *DynamoStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var evt domain.WebhookEvent
	err := s.getItem(ctx, tableEvents, eventID, &evt)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return evt.Status == domain.EventProcessed, nil
}

func (s *DynamoStore) ClaimEvent(ctx context.Context, evt domain.WebhookEvent, lease time.Duration) (domain.ClaimOutcome, error) {
	if evt.ID == "" || evt.ClaimToken == "" {
		return 0, ErrMissingID
	}
	now := evt.ClaimedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	evt.Status = domain.EventProcessing
	evt.ClaimedAt = now
	evt.ProcessedAt = nil

	item, err := attributevalue.MarshalMap(evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	item[claimedAtUnix] = &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           s.table(tableEvents),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id) OR (#status = :processing AND #claimed < :stale)"),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#claimed": claimedAtUnix,
		},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":processing": &dynamodbtypes.AttributeValueMemberS{Value: string(domain.EventProcessing)},
			":stale":      &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(-lease).Unix(), 10)},
		},
	})
	if err == nil {
		return domain.Claimed, nil
	}
	if !isConditionFailed(err) {
		return 0, fmt.Errorf("event claim failed: %w", err)
	}

	processed, err := s.IsProcessed(ctx, evt.ID)
	if err != nil {
		return 0, err
	}
	if processed {
		return domain.AlreadyProcessed, nil
	}
	return domain.InFlight, nil
}

func (s *DynamoStore) CompleteEvent(ctx context.Context, eventID, claimToken string, at time.Time) error {
	processedAt, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                s.table(tableEvents),
		Key:                      idKey(eventID),
		UpdateExpression:         aws.String("SET #status = :processed, processedAt = :at"),
		ConditionExpression:      aws.String("#status = :processing AND claimToken = :token"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":processed":  &dynamodbtypes.AttributeValueMemberS{Value: string(domain.EventProcessed)},
			":processing": &dynamodbtypes.AttributeValueMemberS{Value: string(domain.EventProcessing)},
			":token":      &dynamodbtypes.AttributeValueMemberS{Value: claimToken},
			":at":         processedAt,
		},
	})
	if isConditionFailed(err) {
		return ErrClaimLost
	}
	if err != nil {
		return fmt.Errorf("event completion failed: %w", err)
	}
	return nil
}

func (s *DynamoStore) ReleaseEvent(ctx context.Context, eventID, claimToken string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                s.table(tableEvents),
		Key:                      idKey(eventID),
		ConditionExpression:      aws.String("#status = :processing AND claimToken = :token"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":processing": &dynamodbtypes.AttributeValueMemberS{Value: string(domain.EventProcessing)},
			":token":      &dynamodbtypes.AttributeValueMemberS{Value: claimToken},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("event release failed: %w", err)
	}
	return nil
}

// --- donations and campaign aggregates ---

func (s *DynamoStore) incrementUpdate(campaignID, orgID string, amountDelta, countDelta int64) *dynamodbtypes.Update {
	return &dynamodbtypes.Update{
		TableName:        s.table(tableCampaigns),
		Key:              idKey(campaignID),
		UpdateExpression: aws.String("ADD raised :amount, donationCount :count SET updatedAt = :now, organizationId = if_not_exists(organizationId, :org)"),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":amount": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(amountDelta, 10)},
			":count":  &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(countDelta, 10)},
			":now":    &dynamodbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			":org":    &dynamodbtypes.AttributeValueMemberS{Value: orgID},
		},
	}
}

// CreateDonation writes the donation and the campaign increment in one transaction.
// A failed attribute_not_exists condition means the donation is already recorded.
func (s *DynamoStore) CreateDonation(ctx context.Context, d domain.Donation) (bool, error) {
	if d.ID == "" {
		return false, ErrMissingID
	}
	if d.CampaignID == "" {
		return s.putIfAbsent(ctx, tableDonations, d)
	}

	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return false, fmt.Errorf("failed to marshal donation: %w", err)
	}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []dynamodbtypes.TransactWriteItem{
			{Put: &dynamodbtypes.Put{
				TableName:           s.table(tableDonations),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}},
			{Update: s.incrementUpdate(d.CampaignID, d.OrganizationID, d.Amount, 1)},
		},
	})
	if err == nil {
		return true, nil
	}

	var canceled *dynamodbtypes.TransactionCanceledException
	if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 0 &&
		aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
		return false, nil
	}
	return false, fmt.Errorf("donation transaction failed: %w", err)
}

func (s *DynamoStore) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	var d domain.Donation
	if err := s.getItem(ctx, tableDonations, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DynamoStore) IncrementRaised(ctx context.Context, campaignID string, amountDelta, countDelta int64) error {
	if campaignID == "" {
		return ErrMissingID
	}
	upd := s.incrementUpdate(campaignID, "", amountDelta, countDelta)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 upd.TableName,
		Key:                       upd.Key,
		UpdateExpression:          upd.UpdateExpression,
		ExpressionAttributeValues: upd.ExpressionAttributeValues,
	})
	if err != nil {
		return fmt.Errorf("campaign increment failed: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	if err := s.getItem(ctx, tableCampaigns, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- subscriptions ---

func (s *DynamoStore) CreateSubscription(ctx context.Context, sub domain.Subscription) (bool, error) {
	if sub.ID == "" {
		return false, ErrMissingID
	}
	return s.putIfAbsent(ctx, tableSubscriptions, sub)
}

func (s *DynamoStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := s.getItem(ctx, tableSubscriptions, id, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// putSubscription overwrites an existing row. Unless sub itself is canceled, the write is
// conditioned on the stored row not being canceled, so a concurrent cancellation wins.
func (s *DynamoStore) putSubscription(ctx context.Context, sub *domain.Subscription) error {
	item, err := attributevalue.MarshalMap(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName:           s.table(tableSubscriptions),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id)"),
	}
	if sub.Status != domain.SubscriptionCanceled {
		in.ConditionExpression = aws.String("attribute_exists(id) AND #status <> :canceled")
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
		in.ExpressionAttributeValues = map[string]dynamodbtypes.AttributeValue{
			":canceled": &dynamodbtypes.AttributeValueMemberS{Value: string(domain.SubscriptionCanceled)},
		}
	}
	_, err = s.client.PutItem(ctx, in)
	if isConditionFailed(err) {
		current, getErr := s.GetSubscription(ctx, sub.ID)
		if getErr != nil {
			return getErr
		}
		if current.Status.Terminal() {
			return ErrSubscriptionCanceled
		}
		return fmt.Errorf("subscription %s changed concurrently", sub.ID)
	}
	if err != nil {
		return fmt.Errorf("subscription write failed: %w", err)
	}
	return nil
}

func (s *DynamoStore) UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate, now time.Time) (*domain.Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(sub, upd, now); err != nil {
		return nil, err
	}
	if err := s.putSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *DynamoStore) RefreshSubscription(ctx context.Context, in domain.Subscription) (*domain.Subscription, error) {
	if in.ID == "" {
		return nil, ErrMissingID
	}
	created, err := s.putIfAbsent(ctx, tableSubscriptions, in)
	if err != nil {
		return nil, err
	}
	if created {
		return &in, nil
	}
	sub, err := s.GetSubscription(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := refresh(sub, in); err != nil {
		return nil, err
	}
	if err := s.putSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// --- gift aid declarations ---

func (s *DynamoStore) CreateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) (bool, error) {
	if decl.ID == "" {
		return false, ErrMissingID
	}
	return s.putIfAbsent(ctx, tableDeclarations, decl)
}

func (s *DynamoStore) GetDeclaration(ctx context.Context, id string) (*domain.GiftAidDeclaration, error) {
	var decl domain.GiftAidDeclaration
	if err := s.getItem(ctx, tableDeclarations, id, &decl); err != nil {
		return nil, err
	}
	return &decl, nil
}

func (s *DynamoStore) UpdateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) error {
	donor, err := attributevalue.Marshal(decl.Donor)
	if err != nil {
		return fmt.Errorf("failed to marshal donor: %w", err)
	}
	reasons, err := attributevalue.Marshal(decl.PendingReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal pending reasons: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           s.table(tableDeclarations),
		Key:                 idKey(decl.ID),
		UpdateExpression:    aws.String("SET donor = :donor, #status = :status, classification = :class, pendingReasons = :reasons, updatedAt = :updated"),
		ConditionExpression: aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":donor":   donor,
			":status":  &dynamodbtypes.AttributeValueMemberS{Value: string(decl.Status)},
			":class":   &dynamodbtypes.AttributeValueMemberS{Value: string(decl.Classification)},
			":reasons": reasons,
			":updated": &dynamodbtypes.AttributeValueMemberS{Value: decl.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("declaration update failed: %w", err)
	}
	return nil
}

// --- organizations ---

func (s *DynamoStore) UpdateOrganizationCapabilities(ctx context.Context, org domain.Organization) error {
	if org.ID == "" {
		return ErrMissingID
	}
	expr := "SET chargesEnabled = :charges, payoutsEnabled = :payouts, updatedAt = :updated"
	values := map[string]dynamodbtypes.AttributeValue{
		":charges": &dynamodbtypes.AttributeValueMemberBOOL{Value: org.ChargesEnabled},
		":payouts": &dynamodbtypes.AttributeValueMemberBOOL{Value: org.PayoutsEnabled},
		":updated": &dynamodbtypes.AttributeValueMemberS{Value: org.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if org.AccountID != "" {
		expr += ", accountId = :account"
		values[":account"] = &dynamodbtypes.AttributeValueMemberS{Value: org.AccountID}
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 s.table(tableOrganizations),
		Key:                       idKey(org.ID),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("organization update failed: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	if err := s.getItem(ctx, tableOrganizations, id, &org); err != nil {
		return nil, err
	}
	return &org, nil
}
