package autopost

import (
	"testing"

	"github.com/TulparLabs/tulpar-autopost/marketplace"
)

func mkProduct(id string, source marketplace.Source, discount int, rating float64, sales int) *Product {
	p := &Product{}
	p.ID = id
	p.Source = source
	p.DiscountPct = discount
	p.Rating = rating
	p.SalesCount = sales
	return p
}

func TestFilterRankTruncatesToLimit(t *testing.T) {
	var products []*Product
	for i := 0; i < 20; i++ {
		products = append(products, mkProduct(string(rune('a'+i)), marketplace.SourcePinduoduo, 30, 4.5, 1000+i))
	}
	for i := 0; i < 10; i++ {
		products = append(products, mkProduct(string(rune('A'+i)), marketplace.SourceTaobao, 25, 4.0, 500+i))
	}

	got := FilterRank(products, &FilterConfig{TopLimit: 10})
	if len(got) != 10 {
		t.Fatalf("got %d products; want 10", len(got))
	}
}

func TestFilterRankAppliesFloors(t *testing.T) {
	products := []*Product{
		mkProduct("keep", marketplace.SourcePinduoduo, 40, 4.8, 100),
		mkProduct("low-discount", marketplace.SourcePinduoduo, 5, 4.8, 100),
		mkProduct("low-rating", marketplace.SourcePinduoduo, 40, 2.0, 100),
	}

	got := FilterRank(products, &FilterConfig{MinDiscount: 20, MinRating: 4.0, TopLimit: 10})
	if len(got) != 1 || got[0].ID != "keep" {
		t.Fatalf("got %v; want only the conforming product", ids(got))
	}
}

func TestFilterRankWaivesDiscountFloorPerSource(t *testing.T) {
	// secondary reported no positive discounts at all, so its floor is waived;
	// the rating floor still applies
	products := []*Product{
		mkProduct("p1", marketplace.SourcePinduoduo, 40, 4.5, 100),
		mkProduct("t1", marketplace.SourceTaobao, 0, 4.5, 900),
		mkProduct("t2", marketplace.SourceTaobao, 0, 1.0, 900),
	}

	got := FilterRank(products, &FilterConfig{MinDiscount: 20, MinRating: 4.0, TopLimit: 10})

	if !contains(got, "t1") {
		t.Errorf("discount floor must be waived for a source without discounts: %v", ids(got))
	}
	if contains(got, "t2") {
		t.Errorf("rating floor must still apply: %v", ids(got))
	}
	if !contains(got, "p1") {
		t.Errorf("conforming primary product missing: %v", ids(got))
	}
}

func TestFilterRankEqualSourceShares(t *testing.T) {
	var products []*Product
	// primary has far better rank keys than secondary
	for i := 0; i < 10; i++ {
		products = append(products, mkProduct(string(rune('a'+i)), marketplace.SourcePinduoduo, 50, 4.5, 10000))
	}
	for i := 0; i < 10; i++ {
		products = append(products, mkProduct(string(rune('A'+i)), marketplace.SourceTaobao, 10, 4.5, 10))
	}

	got := FilterRank(products, &FilterConfig{TopLimit: 4})

	var primary, secondary int
	for _, p := range got {
		switch p.Source {
		case marketplace.SourcePinduoduo:
			primary++
		case marketplace.SourceTaobao:
			secondary++
		}
	}

	// each source is capped at TopLimit / numSources before the global merge
	if primary > 2 {
		t.Errorf("primary took %d slots; share cap is 2", primary)
	}
	if secondary > 2 {
		t.Errorf("secondary took %d slots; share cap is 2", secondary)
	}
}

func TestFilterRankOrdering(t *testing.T) {
	products := []*Product{
		mkProduct("mid", marketplace.SourcePinduoduo, 10, 4.5, 100),  // key 1000
		mkProduct("top", marketplace.SourcePinduoduo, 50, 4.5, 100),  // key 5000
		mkProduct("sales-only", marketplace.SourcePinduoduo, 0, 4.5, 3000), // key 3000
	}

	got := FilterRank(products, &FilterConfig{TopLimit: 10})
	if len(got) != 3 {
		t.Fatalf("got %d products; want 3", len(got))
	}

	want := []string{"top", "sales-only", "mid"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d = %s; want %s (order %v)", i, got[i].ID, id, ids(got))
			break
		}
	}
}

func TestFilterRankEmptyInput(t *testing.T) {
	if got := FilterRank(nil, &FilterConfig{TopLimit: 10}); got != nil {
		t.Errorf("got %v; want nil", got)
	}
}

func ids(products []*Product) []string {
	out := make([]string, 0, len(products))
	for _, p := range products {
		out = append(out, p.ID)
	}
	return out
}

func contains(products []*Product, id string) bool {
	for _, p := range products {
		if p.ID == id {
			return true
		}
	}
	return false
}
