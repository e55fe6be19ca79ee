package registration

import (
	"context"
	"fmt"
	"strings"

	"wsrpline/internal/wsrp"
)

// Lookup is the read side of the manager a policy may consult.
type Lookup interface {
	GetConsumerByIdentity(ctx context.Context, id string) (*Consumer, error)
	GetConsumerGroup(ctx context.Context, name string) (*ConsumerGroup, error)
}

// Policy decides identities, validation and grouping. It never stores anything.
type Policy interface {
	// ConsumerIDFrom derives the immutable consumer identity. It must be deterministic.
	ConsumerIDFrom(name string, props map[wsrp.QName]any) (string, error)
	ValidateConsumerName(ctx context.Context, name string, lookup Lookup) error
	ValidateConsumerGroupName(ctx context.Context, name string, lookup Lookup) error
	// ValidateRegistrationDataFor compares props against the producer's expectations.
	ValidateRegistrationDataFor(ctx context.Context, props map[wsrp.QName]any, consumerID string, expectations map[wsrp.QName]wsrp.PropertyDescription, lookup Lookup) error
	// CreateRegistrationHandleFor must be injective in the persistent key.
	CreateRegistrationHandleFor(persistentKey string) string
	// AutomaticGroupNameFor returns "" when new consumers are not grouped automatically.
	AutomaticGroupNameFor(consumerName string) string
	AllowAccessTo(pc wsrp.PortletContext, reg *Registration, operation string) bool
}

// PropertyValidator checks a single property value against its description.
type PropertyValidator interface {
	ValidateValue(desc wsrp.PropertyDescription, value any) error
}

// PropertyValidatorFunc adapts a function to PropertyValidator.
type PropertyValidatorFunc func(desc wsrp.PropertyDescription, value any) error

func (f PropertyValidatorFunc) ValidateValue(desc wsrp.PropertyDescription, value any) error {
	return f(desc, value)
}

// NonEmptyValues rejects nil and blank values.
var NonEmptyValues PropertyValidator = PropertyValidatorFunc(func(desc wsrp.PropertyDescription, value any) error {
	if value == nil {
		return fmt.Errorf("no value for %s", desc.Name)
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return fmt.Errorf("blank value for %s", desc.Name)
	}
	return nil
})

// DefaultPolicy uses the consumer name as identity and the persistent key as handle.
type DefaultPolicy struct {
	Validator PropertyValidator
	// AutomaticGroup, when set, is the group every new consumer joins.
	AutomaticGroup string
}

var _ Policy = DefaultPolicy{}

func (p DefaultPolicy) ConsumerIDFrom(name string, _ map[wsrp.QName]any) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", invalidArgument("consumer name is required")
	}
	return name, nil
}

func (p DefaultPolicy) ValidateConsumerName(ctx context.Context, name string, lookup Lookup) error {
	id, err := p.ConsumerIDFrom(name, nil)
	if err != nil {
		return err
	}
	existing, err := lookup.GetConsumerByIdentity(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return duplicate("a consumer named '%s' has already been registered", name)
	}
	return nil
}

func (p DefaultPolicy) ValidateConsumerGroupName(ctx context.Context, name string, lookup Lookup) error {
	if strings.TrimSpace(name) == "" {
		return invalidArgument("consumer group name is required")
	}
	existing, err := lookup.GetConsumerGroup(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return duplicate("a consumer group named '%s' already exists", name)
	}
	return nil
}

func (p DefaultPolicy) ValidateRegistrationDataFor(ctx context.Context, props map[wsrp.QName]any, consumerID string, expectations map[wsrp.QName]wsrp.PropertyDescription, lookup Lookup) error {
	if props == nil {
		return invalidArgument("registration properties are required")
	}
	if strings.TrimSpace(consumerID) == "" {
		return invalidArgument("consumer identity is required")
	}
	if expectations != nil {
		validator := p.Validator
		if validator == nil {
			validator = NonEmptyValues
		}
		var missing, unexpected, invalid []wsrp.QName
		for name, desc := range expectations {
			value, ok := props[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			if err := validator.ValidateValue(desc, value); err != nil {
				invalid = append(invalid, name)
			}
		}
		for name := range props {
			if _, ok := expectations[name]; !ok {
				unexpected = append(unexpected, name)
			}
		}
		if len(missing)+len(unexpected)+len(invalid) > 0 {
			return validationError(missing, unexpected, invalid)
		}
	}

	consumer, err := lookup.GetConsumerByIdentity(ctx, consumerID)
	if err != nil {
		return err
	}
	if consumer != nil {
		for _, reg := range consumer.Registrations() {
			if reg.HasEqualProperties(props) {
				return &Error{
					Kind:    KindDuplicate,
					Message: fmt.Sprintf("consumer '%s' is already registered with the same registration properties", consumer.Name()),
					Handle:  reg.RegistrationHandle(),
				}
			}
		}
	}
	return nil
}

func (p DefaultPolicy) CreateRegistrationHandleFor(persistentKey string) string {
	return persistentKey
}

func (p DefaultPolicy) AutomaticGroupNameFor(string) string {
	return p.AutomaticGroup
}

func (p DefaultPolicy) AllowAccessTo(_ wsrp.PortletContext, reg *Registration, _ string) bool {
	return reg != nil && reg.Status() == StatusValid
}
