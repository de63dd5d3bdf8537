package vecstore

import (
	"testing"

	"github.com/google/uuid"
)

func TestPointUUIDDeterministic(t *testing.T) {
	a := PointUUID("art_0123456789ab")
	b := PointUUID("art_0123456789ab")
	if a != b {
		t.Errorf("same id produced different point UUIDs: %s vs %s", a, b)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("point id %q is not a valid UUID: %v", a, err)
	}
}

func TestPointUUIDDistinct(t *testing.T) {
	ids := []string{
		"art_0123456789ab",
		"art_0123456789ac",
		"art_0123456789ab::chunk::000::deadbeef",
		"art_0123456789ab::chunk::001::deadbeef",
	}
	seen := make(map[string]string)
	for _, id := range ids {
		p := PointUUID(id)
		if prev, ok := seen[p]; ok {
			t.Errorf("ids %q and %q collide on point UUID %s", prev, id, p)
		}
		seen[p] = id
	}
}
