package game

// WinningLines : les 8 alignements gagnants du morpion.
var WinningLines = [8][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

// Winner retourne le pion gagnant ("X" ou "O") s'il existe, sinon une chaîne vide.
func Winner(board [BoardSize]string) string {
	p, _, _ := WinningLine(board)
	return p
}

// WinningLine retourne le pion et les cases du premier alignement complet.
func WinningLine(board [BoardSize]string) (string, [3]int, bool) {
	for _, line := range WinningLines {
		p := board[line[0]]
		if p == "" {
			continue
		}
		win := true
		for _, i := range line[1:] {
			if board[i] != p {
				win = false
				break
			}
		}
		if win {
			return p, line, true
		}
	}
	return "", [3]int{}, false
}

// Full indique si toutes les cases sont jouées.
func Full(board [BoardSize]string) bool {
	for _, c := range board {
		if c == "" {
			return false
		}
	}
	return true
}
