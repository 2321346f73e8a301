package card

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

var ErrInvalidCardState = errors.New("invalid card state")

type Zone string

const (
	ZoneDeck    Zone = "DECK"
	ZoneHand    Zone = "HAND"
	ZonePlayed  Zone = "PLAYED"
	ZoneDiscard Zone = "DISCARD"
	ZoneMarket  Zone = "MARKET"
)

func ParseZone(zoneStr string) (Zone, error) {
	switch zone := Zone(zoneStr); zone {
	case ZoneDeck, ZoneHand, ZonePlayed, ZoneDiscard, ZoneMarket:
		return zone, nil
	default:
		return "", fmt.Errorf("unknown zone %q", zoneStr)
	}
}

// owned cards live in a player zone, unowned cards in the market
func (self Zone) IsPlayerZone() bool {
	switch self {
	case ZoneDeck, ZoneHand, ZonePlayed, ZoneDiscard:
		return true
	default:
		return false
	}
}

type CardDefinition struct {
	Name string `json:"name"`
	Text string `json:"text"`
	Cost int    `json:"cost"`
	Uid  string `json:"uid"`
}

func NewCardDefinition(name string, text string, cost int) CardDefinition {
	return CardDefinition{
		Name: name,
		Text: text,
		Cost: cost,
		Uid:  ulid.Make().String(),
	}
}

type CardInstance struct {
	Definition CardDefinition `json:"definition"`
	OwnerId    string         `json:"ownerId,omitempty"`
	Zone       Zone           `json:"zone"`
	InstanceId string         `json:"instanceId"`
}

// a new unowned instance in the market
func NewCardInstance(definition CardDefinition) CardInstance {
	return CardInstance{
		Definition: definition,
		Zone:       ZoneMarket,
		InstanceId: ulid.Make().String(),
	}
}

func (self CardInstance) WithOwner(ownerId string) CardInstance {
	self.OwnerId = ownerId
	return self
}

func (self CardInstance) IsValidState() bool {
	if self.OwnerId != "" {
		return self.Zone.IsPlayerZone()
	}
	return self.Zone == ZoneMarket
}

func (self CardInstance) MoveToZone(zone Zone) (CardInstance, error) {
	moved := self
	moved.Zone = zone
	if !moved.IsValidState() {
		ownership := "unowned"
		if self.OwnerId != "" {
			ownership = "owned"
		}
		return self, fmt.Errorf("%w: %s card cannot be in %s", ErrInvalidCardState, ownership, zone)
	}
	return moved, nil
}
