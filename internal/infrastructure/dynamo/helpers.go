package dynamo

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// strKey builds a DynamoDB primary key map with a single string attribute.
func strKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

// condUpdate is a conditional single-attribute SET: the update applies only
// while the attribute still holds the expected value.
type condUpdate struct {
	Update    string
	Condition string
	Names     map[string]string
	Values    map[string]types.AttributeValue
}

// buildCondUpdate returns "SET #f = :next" guarded by "#f = :expected".
// "status" is a DynamoDB reserved word, so the name is always aliased.
func buildCondUpdate(field, expected, next string) condUpdate {
	return condUpdate{
		Update:    "SET #f = :next",
		Condition: "#f = :expected",
		Names:     map[string]string{"#f": field},
		Values: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: expected},
			":next":     &types.AttributeValueMemberS{Value: next},
		},
	}
}
