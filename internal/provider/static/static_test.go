package static

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/provider"
)

func TestAdapter_Identify(t *testing.T) {
	a := New("demo", []domain.Category{"Bird", "plant"}, []domain.Identification{
		{Name: "Robin", Confidence: 0.9},
		{Name: "Oak", Confidence: 0.6, Category: "PLANT"},
	}, 0)

	all, err := a.Identify(context.Background(), provider.Payload{}, provider.IdentifyOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 || all[0].Category != domain.CategoryBird || all[0].SourceProvider != "demo" {
		t.Fatalf("unexpected results %+v", all)
	}

	plants, _ := a.Identify(context.Background(), provider.Payload{}, provider.IdentifyOptions{Category: domain.CategoryPlant})
	if len(plants) != 1 || plants[0].Name != "Oak" {
		t.Errorf("category filter not applied: %+v", plants)
	}
}

func TestAdapter_DelayHonorsContext(t *testing.T) {
	a := New("slow", []domain.Category{"bird"}, nil, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Identify(ctx, provider.Payload{}, provider.IdentifyOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
