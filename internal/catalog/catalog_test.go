package catalog

import (
	"testing"

	"github.com/coachpo/crossfeed/errs"
)

func testCatalog() *Static {
	return NewStatic("okx", []Product{
		{Symbol: "BTC_USDT", Native: "BTC-USDT", Contract: ContractSpot, Base: "BTC", Quote: "USDT"},
		{Symbol: "BTC_PERP_USDT", Native: "BTC-USDT-SWAP", Contract: ContractPerpetual, Base: "BTC", Quote: "USDT"},
		{Symbol: "ETH_USDT", Native: "ETH-USDT", Contract: ContractSpot, Base: "ETH", Quote: "USDT"},
	})
}

func TestResolveKnownSymbol(t *testing.T) {
	c := testCatalog()
	p, err := c.Resolve("btc_perp_usdt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Native != "BTC-USDT-SWAP" || p.Contract != ContractPerpetual {
		t.Fatalf("unexpected product: %+v", p)
	}
}

func TestResolveUnknownSymbol(t *testing.T) {
	c := testCatalog()
	_, err := c.Resolve("DOGE_USDT")
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if !errs.IsUnknownSymbol(err) {
		t.Fatalf("expected unknown-symbol classification, got %v", err)
	}
}

func TestResolveNativeSingleMatch(t *testing.T) {
	c := testCatalog()
	p, err := c.ResolveNative("eth-usdt")
	if err != nil {
		t.Fatalf("ResolveNative: %v", err)
	}
	if p.Symbol != "ETH_USDT" {
		t.Fatalf("unexpected symbol: %s", p.Symbol)
	}
}

func TestResolveNativeAmbiguousUsesPreference(t *testing.T) {
	c := testCatalog()
	c.Add(Product{Symbol: "BTC_USDT_ALIAS", Native: "BTC-USDT", Contract: ContractPerpetual})

	p, err := c.ResolveNative("BTC-USDT", ContractPerpetual)
	if err != nil {
		t.Fatalf("ResolveNative with preference: %v", err)
	}
	if p.Contract != ContractPerpetual {
		t.Fatalf("expected perpetual preference to win, got %s", p.Contract)
	}

	if _, err := c.ResolveNative("BTC-USDT"); err == nil {
		t.Fatal("expected error when no preference disambiguates")
	}
}

func TestAddReplacesListing(t *testing.T) {
	c := testCatalog()
	c.Add(Product{Symbol: "ETH_USDT", Native: "ETHUSDT", Contract: ContractSpot})
	p, err := c.Resolve("ETH_USDT")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Native != "ETHUSDT" {
		t.Fatalf("expected replaced native symbol, got %s", p.Native)
	}
	if _, err := c.ResolveNative("ETH-USDT"); err == nil {
		t.Fatal("stale native mapping must be removed")
	}
}
