package domain

// co2PerKg maps a material type to the kilograms of CO2 avoided per unit
// when the material is reused instead of produced new.
var co2PerKg = map[MaterialType]float64{
	MaterialWood:        1.8,
	MaterialMetal:       4.5,
	MaterialPlastic:     2.5,
	MaterialFabric:      3.2,
	MaterialGlass:       0.9,
	MaterialPaper:       1.1,
	MaterialElectronics: 12.0,
	MaterialOther:       1.0,
}

// CO2SavedKg returns the CO2 avoided for a quantity of the given material.
// Unknown materials fall back to the "other" factor.
func CO2SavedKg(material MaterialType, quantity int) float64 {
	if quantity <= 0 {
		return 0
	}
	factor, ok := co2PerKg[material]
	if !ok {
		factor = co2PerKg[MaterialOther]
	}
	return factor * float64(quantity)
}

// CO2SavedForLines totals the CO2 savings across purchased lines.
func CO2SavedForLines(lines []PaymentLine) float64 {
	var total float64
	for _, line := range lines {
		total += CO2SavedKg(line.MaterialType, line.Quantity)
	}
	return total
}
