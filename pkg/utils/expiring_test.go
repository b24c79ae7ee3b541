package utils

import (
	"testing"
	"time"
)

func TestExpiringSet(t *testing.T) {
	ttl := 100 * time.Millisecond
	cleanupInterval := 50 * time.Millisecond
	es := NewExpiringSet(ttl, cleanupInterval)
	defer es.Stop()

	t.Run("add and check items", func(t *testing.T) {
		if !es.Add("item1") {
			t.Error("failed to add item1")
		}
		if !es.Add("item2") {
			t.Error("failed to add item2")
		}

		if !es.Contains("item1") {
			t.Error("item1 should exist")
		}
		if !es.Contains("item2") {
			t.Error("item2 should exist")
		}
		if es.Contains("item3") {
			t.Error("item3 should not exist")
		}

		if es.Size() != 2 {
			t.Errorf("expected size 2, got %d", es.Size())
		}

		if es.Add("item1") {
			t.Error("should not allow adding item1 again while live")
		}
	})

	t.Run("remove items", func(t *testing.T) {
		es.Add("item3")
		es.Add("item4")

		es.Remove("item3")
		if es.Contains("item3") {
			t.Error("item3 should not exist after removal")
		}
		if !es.Contains("item4") {
			t.Error("item4 should still exist")
		}
	})

	t.Run("item expiry", func(t *testing.T) {
		es.Add("temp")

		time.Sleep(ttl + 10*time.Millisecond)

		if es.Contains("temp") {
			t.Error("temp should have expired")
		}
	})

	t.Run("update expiry", func(t *testing.T) {
		es.Add("update")

		time.Sleep(ttl / 2)

		if !es.UpdateExpiry("update") {
			t.Error("failed to update expiry")
		}

		time.Sleep(ttl * 3 / 4)

		if !es.Contains("update") {
			t.Error("update should not have expired yet")
		}

		time.Sleep(ttl)
		if es.Contains("update") {
			t.Error("update should have expired eventually")
		}
	})

	t.Run("clear set", func(t *testing.T) {
		es.Add("clear1")
		es.Add("clear2")

		es.Clear()

		if es.Size() != 0 {
			t.Errorf("expected size 0 after Clear, got %d", es.Size())
		}
		if es.Contains("clear1") || es.Contains("clear2") {
			t.Error("items should not exist after Clear")
		}
	})

	t.Run("get all", func(t *testing.T) {
		es.Clear()
		es.Add("all1")
		es.Add("all2")
		es.Add("all3")

		items := es.GetAll()
		if len(items) != 3 {
			t.Errorf("GetAll should return 3 items, got %d", len(items))
		}

		itemMap := make(map[string]bool)
		for _, item := range items {
			itemMap[item] = true
		}
		if !itemMap["all1"] || !itemMap["all2"] || !itemMap["all3"] {
			t.Error("GetAll did not return all expected items")
		}
	})

	t.Run("change ttl", func(t *testing.T) {
		es.Clear()

		newTTL := 200 * time.Millisecond
		es.SetTTL(newTTL)

		es.Add("ttlTest")

		time.Sleep(ttl + 10*time.Millisecond)

		if !es.Contains("ttlTest") {
			t.Error("ttlTest should not have expired under the new TTL")
		}

		time.Sleep(newTTL)

		if es.Contains("ttlTest") {
			t.Error("ttlTest should have expired after the new TTL")
		}
	})
}
