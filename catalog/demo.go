package catalog

// DemoYAML is a small catalog for local runs and tests:
//
//	trading-101     paid course ($99), lessons l1..l3, l1 is a preview
//	market-basics   free course, lessons d1..d2
//	cheat-sheet     premium resource ($50)
//	glossary        free resource
const DemoYAML = `
courses:
  - id: trading-101
    title: Trading 101
    price_usd: "99.00"
    lessons:
      - {id: l1, title: What is a market, order: 1, is_preview: true}
      - {id: l2, title: Reading charts, order: 2}
      - {id: l3, title: Risk management, order: 3}
  - id: market-basics
    title: Market Basics
    is_free: true
    lessons:
      - {id: d1, title: Brokers, order: 1}
      - {id: d2, title: Order types, order: 2}
resources:
  - {id: cheat-sheet, title: Candlestick cheat sheet, is_premium: true, price_usd: "50"}
  - {id: glossary, title: Glossary, is_premium: false}
`

// Demo returns the parsed demo catalog.
func Demo() *Catalog {
	cat, err := NewFactory().Parse([]byte(DemoYAML))
	if err != nil {
		panic("demo catalog: " + err.Error())
	}
	return cat
}
