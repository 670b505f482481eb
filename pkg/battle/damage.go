package battle

import "math"

const (
	// Level is the fixed level of every combatant.
	Level = 50

	minPower          = 60
	maxPower          = 100
	criticalChance    = 1.0 / 16
	criticalModifier  = 1.5
	minRandomFactor   = 0.85
	randomFactorSteps = 1000
	typeEffectiveness = 1.0
)

// Hit is the outcome of a single damage roll.
type Hit struct {
	Power    int
	Critical bool
	Random   float64
	Damage   int
}

// Roll draws power, critical and random factor from src, in that order,
// and computes the resulting damage of attacker against defender.
func Roll(src Source, attacker, defender *Combatant) Hit {
	power := minPower + int(src.Float64()*(maxPower-minPower))
	if power >= maxPower {
		power = maxPower - 1
	}

	critical := src.Float64() < criticalChance
	modifier := 1.0
	if critical {
		modifier = criticalModifier
	}

	// Quantized so that both ends of [0.85, 1.0] can be rolled.
	random := minRandomFactor + math.Round(src.Float64()*randomFactorSteps)/randomFactorSteps*(1-minRandomFactor)

	return Hit{
		Power:    power,
		Critical: critical,
		Random:   random,
		Damage:   Damage(power, attacker.Attack, defender.Defense, modifier, random),
	}
}

// Damage computes the damage of one hit. The result is never below 1.
func Damage(power, attack, defense int, critical, random float64) int {
	if defense <= 0 {
		defense = 1
	}

	base := (float64(2*Level/5+2)*float64(power)*float64(attack)/float64(defense))/50 + 2
	damage := int(math.Floor(base * typeEffectiveness * critical * random))
	if damage < 1 {
		return 1
	}
	return damage
}
