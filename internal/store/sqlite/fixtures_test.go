package sqlite

import "memecoin-sniper/internal/model"

func barFixture() model.Bar {
	return model.Bar{Token: "A", WindowStart: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5, Samples: model.BarSamples}
}

func indicatorFixture(v float64) []model.IndicatorRow {
	return []model.IndicatorRow{{Token: "A", WindowStart: 60, Kind: model.KindEMA, Length: 5, Source: model.SourceLow, Value: v}}
}
