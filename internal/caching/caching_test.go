package caching

import "testing"

func TestCachesRoundTripEventAndRoomIDs(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.StoreEventIDForShort(1, "$event:example.org")
	c.StoreRoomIDForShort(2, "!room:example.org")

	// ristretto applies writes asynchronously via an internal buffer, so
	// give Set a chance to land before asserting a Get hits.
	c.shortEventIDs.Wait()
	c.shortRoomIDs.Wait()

	if got, ok := c.GetEventIDForShort(1); !ok || got != "$event:example.org" {
		t.Fatalf("GetEventIDForShort(1) = %q, %v", got, ok)
	}
	if got, ok := c.GetRoomIDForShort(2); !ok || got != "!room:example.org" {
		t.Fatalf("GetRoomIDForShort(2) = %q, %v", got, ok)
	}
	if _, ok := c.GetEventIDForShort(999); ok {
		t.Fatalf("GetEventIDForShort(999) unexpectedly hit")
	}
}

func TestNilCachesAreAlwaysMiss(t *testing.T) {
	var c *Caches
	c.StoreEventIDForShort(1, "$event:example.org")
	if _, ok := c.GetEventIDForShort(1); ok {
		t.Fatalf("nil *Caches unexpectedly hit")
	}
}
