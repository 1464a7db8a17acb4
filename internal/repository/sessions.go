package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"intake-router/internal/domain"
)

const (
	convPKPrefix    = "CONV#"
	sessPKPrefix    = "SESS#"
	skActive        = "ACTIVE"
	skPrefixSession = "SESS#"
	skPrefixTurn    = "TURN#"
	ttlDuration     = 90 * 24 * time.Hour // retention for sessions and turns
)

// dynamodbAPI is the minimal DynamoDB interface required by the repository
// clients. Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// SessionClient stores conversation sessions and their transcripts.
//
// Exactly one item per (tenant, sender) holds the current session, at sort key
// ACTIVE; creation races are settled by a conditional put on that item rather
// than by request-local checks. Superseded sessions are archived under a
// creation-time sort key, never deleted.
type SessionClient struct {
	api       dynamodbAPI
	tableName string
}

// NewSessionClient creates a SessionClient.
func NewSessionClient(api dynamodbAPI, tableName string) (*SessionClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &SessionClient{api: api, tableName: tableName}, nil
}

func convPK(tenantID, sender string) string {
	return convPKPrefix + tenantID + "#" + sender
}

func sessPK(sessionID string) string {
	return sessPKPrefix + sessionID
}

func archiveSK(s domain.Session) string {
	return skPrefixSession + keyTime(s.CreatedAt) + "#" + s.ID
}

func turnSK(ts time.Time) string {
	return skPrefixTurn + keyTime(ts)
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// ResolveActive returns the live session for (tenantID, sender), creating one
// when none qualifies. The liveness window is evaluated here, once per
// request; callers must not re-check it later in the same request.
func (c *SessionClient) ResolveActive(ctx context.Context, tenantID, sender string, now time.Time) (domain.Session, error) {
	current, found, err := c.getActive(ctx, tenantID, sender)
	if err != nil {
		return domain.Session{}, err
	}
	if found && current.Active(now) {
		return current, nil
	}

	// Superseded sessions are kept: copy the stale item aside before the
	// ACTIVE slot is rolled over.
	if found {
		if err := c.archive(ctx, current); err != nil {
			return domain.Session{}, err
		}
	}

	fresh := domain.Session{
		ID:                newSessionID(),
		TenantID:          tenantID,
		Sender:            sender,
		ConversationState: domain.StateGreeting,
		CreatedAt:         now,
		LastMessageAt:     now,
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      sessionItem(fresh),
		// The put wins only when the slot is empty, completed, or stale.
		// Two concurrent first messages race here; exactly one creates.
		ConditionExpression: aws.String(
			"attribute_not_exists(PK) OR conversationState = :completed OR lastMessageAt < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: domain.StateCompleted},
			":cutoff":    &types.AttributeValueMemberN{Value: numString(now.Add(-domain.ActiveWindow).UnixNano())},
		},
	})
	if err == nil {
		return fresh, nil
	}
	if !isConditionalCheckFailed(err) {
		return domain.Session{}, fmt.Errorf("repository: ResolveActive create: %w", err)
	}

	// Lost the creation race: a concurrent request installed the session.
	winner, found, err := c.getActive(ctx, tenantID, sender)
	if err != nil {
		return domain.Session{}, err
	}
	if !found || !winner.Active(now) {
		return domain.Session{}, errors.New("repository: ResolveActive: lost create race but no live session found")
	}
	return winner, nil
}

// AppendTurn persists one transcript entry. The condition makes the write
// append-only: an existing turn is never overwritten.
func (c *SessionClient) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	if sessionID == "" {
		return errors.New("repository: AppendTurn: session id is required")
	}

	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: sessPK(sessionID)},
		"SK":      &types.AttributeValueMemberS{Value: turnSK(turn.Timestamp)},
		"role":    &types.AttributeValueMemberS{Value: turn.Role},
		"content": &types.AttributeValueMemberS{Value: turn.Content},
		"ts":      &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":     &types.AttributeValueMemberN{Value: numString(ttlValue(turn.Timestamp))},
	}
	if turn.ExternalID != "" {
		item["externalMessageId"] = &types.AttributeValueMemberS{Value: turn.ExternalID}
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// Transcript returns all turns for a session in chronological order.
func (c *SessionClient) Transcript(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Transcript query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Transcript decode: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// SaveState writes the merged session back to the ACTIVE slot. The condition
// pins the write to this request's session so a concurrently rolled-over slot
// is never clobbered with stale state.
//
// The update sets only the conversation and clinical fields; appointmentCreated
// is owned by MarkAppointmentCreated and must never appear here — a full-item
// put from a snapshot taken before a concurrent flag flip would reset it.
func (c *SessionClient) SaveState(ctx context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("repository: SaveState: session id is required")
	}

	sets := []string{
		"conversationState = :state",
		"lastMessageAt = :last",
		"#ttl = :ttl",
	}
	values := map[string]types.AttributeValue{
		":id":    &types.AttributeValueMemberS{Value: s.ID},
		":state": &types.AttributeValueMemberS{Value: s.ConversationState},
		":last":  &types.AttributeValueMemberN{Value: numString(s.LastMessageAt.UnixNano())},
		":ttl":   &types.AttributeValueMemberN{Value: numString(ttlValue(s.LastMessageAt))},
	}
	if len(s.Symptoms) > 0 {
		raw, err := json.Marshal(s.Symptoms)
		if err != nil {
			return fmt.Errorf("repository: SaveState encode symptoms: %w", err)
		}
		sets = append(sets, "symptoms = :symptoms")
		values[":symptoms"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	if s.TriageLevel != "" {
		sets = append(sets, "triageLevel = :triage")
		values[":triage"] = &types.AttributeValueMemberS{Value: s.TriageLevel}
	}
	if s.UrgencyScore != nil {
		sets = append(sets, "urgencyScore = :urgency")
		values[":urgency"] = &types.AttributeValueMemberN{Value: numString(int64(*s.UrgencyScore))}
	}
	if s.FirstAidGiven != nil {
		sets = append(sets, "firstAidGiven = :firstAid")
		values[":firstAid"] = &types.AttributeValueMemberBOOL{Value: *s.FirstAidGiven}
	}
	if s.PatientName != "" {
		sets = append(sets, "patientName = :name")
		values[":name"] = &types.AttributeValueMemberS{Value: s.PatientName}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(s.TenantID, s.Sender)},
			"SK": &types.AttributeValueMemberS{Value: skActive},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("sessionId = :id"),
		ExpressionAttributeNames:  map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveState: %w", err)
	}
	return nil
}

// MarkAppointmentCreated flips the one-way appointmentCreated flag with a
// compare-and-set. Returns domain.ErrAppointmentAlreadyCreated when another
// writer got there first; callers must not dispatch in that case.
func (c *SessionClient) MarkAppointmentCreated(ctx context.Context, s domain.Session) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(s.TenantID, s.Sender)},
			"SK": &types.AttributeValueMemberS{Value: skActive},
		},
		UpdateExpression:    aws.String("SET appointmentCreated = :t"),
		ConditionExpression: aws.String("sessionId = :id AND appointmentCreated = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: s.ID},
			":t":  &types.AttributeValueMemberBOOL{Value: true},
			":f":  &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return domain.ErrAppointmentAlreadyCreated
		}
		return fmt.Errorf("repository: MarkAppointmentCreated: %w", err)
	}
	return nil
}

func (c *SessionClient) getActive(ctx context.Context, tenantID, sender string) (domain.Session, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(tenantID, sender)},
			"SK": &types.AttributeValueMemberS{Value: skActive},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: get active session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, false, nil
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: decode active session: %w", err)
	}
	return s, true, nil
}

func (c *SessionClient) archive(ctx context.Context, s domain.Session) error {
	item := sessionItem(s)
	item["SK"] = &types.AttributeValueMemberS{Value: archiveSK(s)}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: archive session: %w", err)
	}
	return nil
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                 &types.AttributeValueMemberS{Value: convPK(s.TenantID, s.Sender)},
		"SK":                 &types.AttributeValueMemberS{Value: skActive},
		"sessionId":          &types.AttributeValueMemberS{Value: s.ID},
		"tenantId":           &types.AttributeValueMemberS{Value: s.TenantID},
		"sender":             &types.AttributeValueMemberS{Value: s.Sender},
		"conversationState":  &types.AttributeValueMemberS{Value: s.ConversationState},
		"appointmentCreated": &types.AttributeValueMemberBOOL{Value: s.AppointmentCreated},
		"createdAt":          &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		// Stored as epoch nanos so the liveness cutoff compares numerically
		// in condition expressions.
		"lastMessageAt": &types.AttributeValueMemberN{Value: numString(s.LastMessageAt.UnixNano())},
		"ttl":           &types.AttributeValueMemberN{Value: numString(ttlValue(s.LastMessageAt))},
	}
	if len(s.Symptoms) > 0 {
		raw, _ := json.Marshal(s.Symptoms)
		item["symptoms"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	if s.TriageLevel != "" {
		item["triageLevel"] = &types.AttributeValueMemberS{Value: s.TriageLevel}
	}
	if s.UrgencyScore != nil {
		item["urgencyScore"] = &types.AttributeValueMemberN{Value: numString(int64(*s.UrgencyScore))}
	}
	if s.FirstAidGiven != nil {
		item["firstAidGiven"] = &types.AttributeValueMemberBOOL{Value: *s.FirstAidGiven}
	}
	if s.PatientName != "" {
		item["patientName"] = &types.AttributeValueMemberS{Value: s.PatientName}
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Session{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return domain.Session{}, err
	}
	state, err := strAttr(item, "conversationState")
	if err != nil {
		return domain.Session{}, err
	}
	created, err := boolAttr(item, "appointmentCreated")
	if err != nil {
		return domain.Session{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Session{}, err
	}
	lastNanos, err := intAttr(item, "lastMessageAt")
	if err != nil {
		return domain.Session{}, err
	}

	s := domain.Session{
		ID:                 id,
		TenantID:           tenantID,
		Sender:             sender,
		ConversationState:  state,
		AppointmentCreated: created,
		CreatedAt:          createdAt,
		LastMessageAt:      time.Unix(0, int64(lastNanos)).UTC(),
	}

	if raw, err := optStrAttr(item, "symptoms"); err != nil {
		return domain.Session{}, err
	} else if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Symptoms); err != nil {
			return domain.Session{}, fmt.Errorf("repository: decode symptoms: %w", err)
		}
	}
	if s.TriageLevel, err = optStrAttr(item, "triageLevel"); err != nil {
		return domain.Session{}, err
	}
	if _, ok := item["urgencyScore"]; ok {
		score, err := intAttr(item, "urgencyScore")
		if err != nil {
			return domain.Session{}, err
		}
		s.UrgencyScore = &score
	}
	if v, ok := item["firstAidGiven"]; ok {
		b, bok := v.(*types.AttributeValueMemberBOOL)
		if !bok {
			return domain.Session{}, errors.New(`repository: attribute "firstAidGiven" is not a bool`)
		}
		s.FirstAidGiven = &b.Value
	}
	if s.PatientName, err = optStrAttr(item, "patientName"); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := timeAttr(item, "ts")
	if err != nil {
		return domain.Turn{}, err
	}
	externalID, err := optStrAttr(item, "externalMessageId")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		Role:       role,
		Content:    content,
		Timestamp:  ts,
		ExternalID: externalID,
	}, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

var newSessionID = func() string {
	return uuid.NewString()
}
