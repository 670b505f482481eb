// Package battle implements the deterministic turn-based combat simulator used
// by the battle node.
//
// A battle is fought between two ordered teams of prepared combatants. Every
// turn, the active combatant of each side attacks once, faster combatant
// first. Damage follows a simplified level-50 formula with neutral type
// effectiveness; the only randomness is the move power, the critical roll and
// the damage spread, all drawn from an injected Source.
//
// The same Battle type backs both execution paths of the node:
//
//   - Resolve runs a whole battle in one call (the synchronous path).
//   - Step advances a Battle by exactly one turn, which is what a live session
//     calls after both players submitted their actions.
//
// Because both paths share Step, a live battle and an automatic battle fed the
// same Source produce identical logs.
//
// Usage
//
//	seed, err := battle.NewSeed()
//	if err != nil {
//	    return err
//	}
//
//	result, err := battle.Resolve(challengerTeam, opponentTeam, battle.NewSource(seed))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.WinnerName, "won in", result.Turns, "turns")
package battle
