package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		err := cache.Set(ctx, "", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		count1, err := cache.IncrementCounter(ctx, "run-trigger", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, "run-trigger", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		count3, _ := cache.IncrementCounter(ctx, "run-trigger", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("ReportPageCache", func(t *testing.T) {
		delivery := "txn-d-1"
		rows := []*domain.FraudReportRow{
			{
				UserID:               "user-001",
				CouponID:             "CAMP-01",
				RedemptionTxnID:      "red-001",
				IncorrectChannel:     domain.ChannelDelivery,
				PrevDeliveryTxnID:    &delivery,
				DeliveryUserStatus:   domain.StatusExistingDelivery,
				TransactionSeqByUser: 1,
			},
			{
				UserID:               "user-001",
				CouponID:             "CAMP-02",
				RedemptionTxnID:      "red-002",
				IncorrectChannel:     domain.ChannelMO,
				TransactionSeqByUser: 2,
			},
		}

		err := cache.SetReportPage(ctx, "run-001", 0, 50, rows, time.Minute)
		if err != nil {
			t.Fatalf("SetReportPage failed: %v", err)
		}

		retrieved, err := cache.GetReportPage(ctx, "run-001", 0, 50)
		if err != nil {
			t.Fatalf("GetReportPage failed: %v", err)
		}

		if len(retrieved) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(retrieved))
		}
		if retrieved[0].UserID != "user-001" {
			t.Errorf("expected UserID user-001, got %s", retrieved[0].UserID)
		}
		if retrieved[0].PrevDeliveryTxnID == nil || *retrieved[0].PrevDeliveryTxnID != delivery {
			t.Errorf("expected PrevDeliveryTxnID %s, got %v", delivery, retrieved[0].PrevDeliveryTxnID)
		}
		if retrieved[1].IncorrectChannel != domain.ChannelMO {
			t.Errorf("expected IncorrectChannel %s, got %s", domain.ChannelMO, retrieved[1].IncorrectChannel)
		}
	})

	t.Run("ReportPageMiss", func(t *testing.T) {
		rows, err := cache.GetReportPage(ctx, "run-unknown", 0, 50)
		if err != nil {
			t.Fatalf("GetReportPage failed: %v", err)
		}
		if rows != nil {
			t.Error("expected nil for uncached page")
		}
	})

	t.Run("ReportPageKeyedByWindow", func(t *testing.T) {
		first := []*domain.FraudReportRow{{UserID: "u1", CouponID: "c1", RedemptionTxnID: "r1"}}
		second := []*domain.FraudReportRow{{UserID: "u2", CouponID: "c2", RedemptionTxnID: "r2"}}

		_ = cache.SetReportPage(ctx, "run-002", 0, 50, first, time.Minute)
		_ = cache.SetReportPage(ctx, "run-002", 50, 50, second, time.Minute)

		page, _ := cache.GetReportPage(ctx, "run-002", 50, 50)
		if len(page) != 1 || page[0].UserID != "u2" {
			t.Errorf("expected second page for offset 50, got %+v", page)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
